package cmd

import (
	"fmt"
)

const banner = `
 __      __ _         _  _
 \ \    / /(_)       (_)| |
  \ \  / /  _   __ _  _ | |
   \ \/ /  | | / _` + "`" + ` || || |
    \  /   | || (_| || || |
     \/    |_| \__, ||_||_|
                __/ |
               |___/
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Security Enforcement Service - Version %s\x1b[0m\n\n", Version)
}
