//go:build !memsan

package pmm

import "github.com/asterism-labs/hadron/kernel/mm"

func sanPoisonFrame(_ mm.Frame) {}
func sanCheckFrame(_ mm.Frame)  {}
func sanPoisonAll(_ *allocator) {}
