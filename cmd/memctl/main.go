// Command memctl boots a simulated machine and inspects or exercises its
// kernel memory allocators.
package main

func main() {
	execute()
}
