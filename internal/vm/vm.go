// Package vm provides high-level VM lifecycle management.
// It ties a claimed port range, a VirtualBox registration and guest
// access together and keeps a persistent record of each machine.
package vm
