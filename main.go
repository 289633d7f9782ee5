package main

import "tachyon-transfer/cmd"

func main() {
	cmd.Execute()
}
