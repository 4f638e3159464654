// Package async provides safe concurrent execution primitives for background
// tasks: SafeGo for fire-and-forget work with panic recovery and a timeout,
// and Batch for bounded fan-out that collects every error.
package async
