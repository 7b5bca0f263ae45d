package vision

import (
	"reflect"
	"testing"
)

func TestContainsPersonOrVehicle(t *testing.T) {
	tests := []struct {
		name string
		dets []Detection
		want bool
	}{
		{"empty", nil, false},
		{"cat", []Detection{{Label: "cat", Confidence: 0.9}}, false},
		{"person", []Detection{{Label: "person", Confidence: 0.1}}, true},
		{"bicycle among animals", []Detection{{Label: "dog"}, {Label: "bicycle"}}, true},
		{"train is not a vehicle class", []Detection{{Label: "train", Confidence: 0.99}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContainsPersonOrVehicle(tt.dets); got != tt.want {
				t.Errorf("ContainsPersonOrVehicle = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTop(t *testing.T) {
	dets := []Detection{
		{Label: "person", Confidence: 0.95},
		{Label: "cat", Confidence: 0.61},
		{Label: "dog", Confidence: 0.82},
	}

	got, ok := Top(dets, NonPerson)
	if !ok || got.Label != "dog" {
		t.Errorf("Top(NonPerson) = %v, %v; want dog", got, ok)
	}

	got, ok = Top(dets, nil)
	if !ok || got.Label != "person" {
		t.Errorf("Top(nil) = %v, %v; want person", got, ok)
	}

	if _, ok := Top([]Detection{{Label: "person"}}, NonPerson); ok {
		t.Error("Top found a non-person in a person-only list")
	}
}

func TestLabels(t *testing.T) {
	got := Labels([]Detection{{Label: "cat", Confidence: 0.824}, {Label: "car", Confidence: 0.6}})
	want := []string{"cat:0.82", "car:0.60"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Labels = %v, want %v", got, want)
	}
}
