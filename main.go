package main

import (
	"github.com/rkvlib/rkv/cmd"
)

func main() {
	cmd.Execute()
}
