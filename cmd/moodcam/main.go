// Command moodcam is the client: account management and the live camera view.
package main

func main() {
	Execute()
}
