// Command facegate runs live face recognition with liveness checks against a camera or still images
package main

import "github.com/MrCodeEU/facegate/internal/cli"

func main() {
	cli.Execute()
}
