package domain

import "testing"

func TestEndpointResolved(t *testing.T) {
	if (Endpoint{}).Resolved() {
		t.Error("zero endpoint should not be resolved")
	}
	if (Endpoint{Host: "192.168.1.10"}).Resolved() {
		t.Error("endpoint without a selected port should not be resolved")
	}
	if !(Endpoint{Host: "192.168.1.10", SelectedPort: 8000}).Resolved() {
		t.Error("host + port should be resolved")
	}
}

func TestEndpointURLs(t *testing.T) {
	ep := Endpoint{Host: "192.168.1.10", SelectedPort: 8000, Protocol: ProtocolHTTP}
	if got := ep.Address(); got != "192.168.1.10:8000" {
		t.Errorf("Address() = %q", got)
	}
	if got := ep.BaseURL(); got != "http://192.168.1.10:8000" {
		t.Errorf("BaseURL() = %q", got)
	}
}

func TestEndpointEqual(t *testing.T) {
	a := Endpoint{Host: "192.168.1.10", SelectedPort: 8000}
	b := Endpoint{Host: "192.168.1.10", SelectedPort: 8000, CandidatePorts: []int{8000, 8001}}
	c := Endpoint{Host: "192.168.1.10", SelectedPort: 8001}

	if !a.Equal(b) {
		t.Error("same host and port should be equal regardless of candidates")
	}
	if a.Equal(c) {
		t.Error("different ports should not be equal")
	}
}
