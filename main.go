package main

import "github.com/Trustflow-Network-Labs/relay-dm-node/internal/cmd"

func main() {
	cmd.Execute()
}
