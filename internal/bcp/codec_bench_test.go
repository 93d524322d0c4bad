package bcp

import (
	"bytes"
	"strings"
	"testing"
)

func BenchmarkEncodeDeliver(b *testing.B) {
	from, _ := NewBoundedString("ali")
	msg, _ := NewBoundedString(strings.Repeat("x", 512))
	f := DeliverFrame{From: from, Message: msg}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = EncodeDeliver(f)
	}
}

func BenchmarkReadDeliver(b *testing.B) {
	from, _ := NewBoundedString("ali")
	msg, _ := NewBoundedString(strings.Repeat("x", 512))
	wire := EncodeDeliver(DeliverFrame{From: from, Message: msg})
	body := wire[1:]
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := ReadDeliver(bytes.NewReader(body)); err != nil {
			b.Fatal(err)
		}
	}
}
