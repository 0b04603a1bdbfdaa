package ocppj

import (
	"reflect"
	"testing"
)

func TestParseSubprotocols(t *testing.T) {
	got := ParseSubprotocols("ocpp1.5, ocpp1.6", " ", "ocpp2.0.1")
	want := []string{"ocpp1.5", "ocpp1.6", "ocpp2.0.1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseSubprotocols = %v, want %v", got, want)
	}
	if got := ParseSubprotocols(); got != nil {
		t.Errorf("ParseSubprotocols() = %v, want nil", got)
	}
}

func TestSelectSubprotocol(t *testing.T) {
	tests := []struct {
		offered []string
		want    string
		ok      bool
	}{
		{[]string{"ocpp1.6"}, "ocpp1.6", true},
		{[]string{"ocpp2.0.1", "ocpp1.6"}, "ocpp1.6", true},
		{[]string{"ocpp1.5"}, "", false},
		{[]string{"OCPP1.6"}, "", false},
		{nil, "", false},
	}
	for _, tt := range tests {
		got, ok := SelectSubprotocol(tt.offered)
		if got != tt.want || ok != tt.ok {
			t.Errorf("SelectSubprotocol(%v) = %q, %v; want %q, %v", tt.offered, got, ok, tt.want, tt.ok)
		}
	}
}
