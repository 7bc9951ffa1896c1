// Command memsim boots the memory subsystem on a simulated machine.
package main

func main() {
	execute()
}
