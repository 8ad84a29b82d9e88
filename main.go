package main

import (
	pulse "github.com/putto11262002/pulse/app"
)

func main() {
	app := pulse.New(nil, nil)
	app.Start()
}
