package main

import "memechat/internal/app"

func main() {
	app.Run()
}
