// Package gpu is the operation-dispatch engine of the compute backend. A
// Handle owns a hal.Device; each facade call opens a Scope, uploads its
// operands through the Allocator, acquires a pipeline from the KernelCache
// and runs it through the Dispatcher, then reads the result back and closes
// the scope. The Manager picks a device at startup and falls back when one
// cannot be created.
package gpu
