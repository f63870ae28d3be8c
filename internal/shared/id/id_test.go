package id

import (
	"strings"
	"sync"
	"testing"
)

func TestGenerate(t *testing.T) {
	gen := NewGenerator()

	id1 := gen.Generate()
	id2 := gen.Generate()

	if id1.String() == id2.String() {
		t.Error("Generated IDs should be unique")
	}
}

func TestHex(t *testing.T) {
	gen := NewGenerator()

	id := gen.Hex()

	if len(id) != HexLength {
		t.Errorf("ID should be %d characters, got %d", HexLength, len(id))
	}
	if strings.ToLower(id) != id {
		t.Errorf("ID should be lowercase, got %s", id)
	}
}

func TestTraceAndSpanIDs(t *testing.T) {
	traceID := NewTraceID()
	spanID := NewSpanID()

	if !IsValid(traceID) {
		t.Errorf("trace id should be valid: %s", traceID)
	}
	if !IsValid(spanID) {
		t.Errorf("span id should be valid: %s", spanID)
	}
	if traceID == spanID {
		t.Error("trace and span ids should differ")
	}
}

func TestIsValid(t *testing.T) {
	invalidIDs := []string{
		"",
		"invalid",
		"1234567890",
		strings.Repeat("z", HexLength),
		strings.Repeat("a", HexLength+2),
	}

	for _, id := range invalidIDs {
		if IsValid(id) {
			t.Errorf("ID should be invalid: %s", id)
		}
	}

	if !IsValid(strings.ToUpper(NewTraceID())) {
		t.Error("upper-case hex should be accepted")
	}
}

func TestConcurrentGeneration(t *testing.T) {
	const goroutines = 50
	const idsPerGoroutine = 100

	var wg sync.WaitGroup
	idChan := make(chan string, goroutines*idsPerGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < idsPerGoroutine; j++ {
				idChan <- NewSpanID()
			}
		}()
	}

	wg.Wait()
	close(idChan)

	seen := make(map[string]bool)
	for id := range idChan {
		if seen[id] {
			t.Fatalf("Duplicate ID generated: %s", id)
		}
		seen[id] = true
	}

	if len(seen) != goroutines*idsPerGoroutine {
		t.Errorf("Expected %d unique IDs, got %d", goroutines*idsPerGoroutine, len(seen))
	}
}
