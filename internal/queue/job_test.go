package queue

import "testing"

func TestStatusConstants(t *testing.T) {
	if StatusQueued == StatusInProgress || StatusInProgress == StatusDone || StatusDone == StatusError {
		t.Fatalf("status constants must be distinct")
	}
}
