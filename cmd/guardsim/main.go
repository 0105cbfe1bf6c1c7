// Command guardsim runs scenarios against the guarded pool allocator using
// the hosted environment.
package main

func main() {
	execute()
}
