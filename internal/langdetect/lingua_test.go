package langdetect

import "testing"

func TestDetectISO6391(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "empty", text: "   ", want: ""},
		{name: "too few letters", text: "12:30 ok", want: ""},
		{name: "sinhala script", text: "කොළඹ නගරයට අද දින තද වැසි", want: "si"},
		{name: "english", text: "Heavy rainfall is expected across the Western Province tomorrow afternoon", want: "en"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := DetectISO6391(tc.text); got != tc.want {
				t.Fatalf("DetectISO6391(%q) = %q, want %q", tc.text, got, tc.want)
			}
		})
	}
}
