package main

import "github.com/MeKo-Tech/cascademap/internal/cmd"

func main() {
	cmd.Execute()
}
