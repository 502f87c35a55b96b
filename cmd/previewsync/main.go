// Command previewsync publishes a project directory to preview devices and
// follows published sessions.
package main

func main() {
	Execute()
}
