// Command policyrag retrieves and cites NHS clinical commissioning policy.
package main

import (
	"os"

	"github.com/Aman-CERP/policyrag/cmd/policyrag/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
