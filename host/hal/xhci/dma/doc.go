// Package dma describes memory shared between the CPU and a bus-mastering
// USB host controller.
//
// A [Region] pairs a physical address with its CPU mapping and offers the
// ordered little-endian accessors that descriptor rings need. An [Allocator]
// hands out aligned, zeroed regions and flushes CPU caches before the
// controller is told to look at them. [Arena] is a first-fit [Allocator] over
// a single contiguous buffer.
package dma
