package main

import "github.com/LENAX/el-engine/pkg/cli/cmd"

func main() {
	cmd.Execute()
}
