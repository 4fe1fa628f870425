package cookie

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		header string
		want   []Pair
	}{
		{
			name:   "empty",
			header: "",
			want:   nil,
		},
		{
			name:   "single",
			header: "a=1",
			want:   []Pair{{"a", "1"}},
		},
		{
			name:   "preserves order",
			header: "z=26; a=1; m=13",
			want:   []Pair{{"z", "26"}, {"a", "1"}, {"m", "13"}},
		},
		{
			name:   "skips malformed fragments",
			header: "good=1; ; =bad; lone; also=2",
			want:   []Pair{{"good", "1"}, {"also", "2"}},
		},
		{
			name:   "unquotes values",
			header: `q="hello world"`,
			want:   []Pair{{"q", "hello world"}},
		},
		{
			name:   "value containing equals",
			header: "tok=a=b=c",
			want:   []Pair{{"tok", "a=b=c"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Parse(tt.header)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d pairs, want %d: %v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("pair %d: got %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSetCookieFormat(t *testing.T) {
	t.Parallel()

	t.Run("plain", func(t *testing.T) {
		t.Parallel()
		got := SetCookie{Name: "n", Value: "v"}.Format()
		if got != "n=v; Path=/; HttpOnly" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("secure with expiry", func(t *testing.T) {
		t.Parallel()
		exp := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
		got := SetCookie{Name: "n", Value: "v", Secure: true, Expires: exp}.Format()
		if !strings.Contains(got, "Expires="+exp.Format(http.TimeFormat)) {
			t.Errorf("missing Expires: %q", got)
		}
		if !strings.Contains(got, "GMT") {
			t.Errorf("Expires must use the GMT zone designator: %q", got)
		}
		if !strings.Contains(got, "; Secure") {
			t.Errorf("missing Secure: %q", got)
		}
	})

	t.Run("unset carries epoch expiry and no value", func(t *testing.T) {
		t.Parallel()
		got := SetCookie{Name: "n", Value: "ignored", Unset: true}.Format()
		if !strings.HasPrefix(got, "n=;") {
			t.Errorf("unset must drop the value: %q", got)
		}
		if !strings.Contains(got, "Expires=Thu, 01 Jan 1970") {
			t.Errorf("unset must carry a past expiry: %q", got)
		}
	})
}

func TestDeriveName(t *testing.T) {
	t.Parallel()

	name := DeriveName("vol", "ses/main/cart", false)
	if !IsServerCookie(name) {
		t.Fatalf("derived name not recognized as server cookie: %q", name)
	}
	if !strings.HasPrefix(name, "hearth|vol|i|") {
		t.Fatalf("unexpected shape: %q", name)
	}

	// Every component of the triple must influence the name.
	variants := []string{
		DeriveName("vol", "ses/main/cart", false),
		DeriveName("vol", "ses/main/cart", true),
		DeriveName("srv", "ses/main/cart", false),
		DeriveName("vol", "ses/other/cart", false),
		DeriveName("vol", "ses/main/wishlist", false),
	}
	seen := make(map[string]int)
	for i, v := range variants {
		if prev, dup := seen[v]; dup && prev != i {
			t.Fatalf("variants %d and %d collide on %q", prev, i, v)
		}
		seen[v] = i
	}

	// Deterministic across calls.
	if again := DeriveName("vol", "ses/main/cart", false); again != name {
		t.Fatalf("derivation not stable: %q vs %q", name, again)
	}
}

func TestIsServerCookie(t *testing.T) {
	t.Parallel()
	if IsServerCookie("sessionid") {
		t.Error("application cookie misclassified")
	}
	if IsServerCookie("hearth") {
		t.Error("bare prefix is not a server cookie")
	}
	if !IsServerCookie("hearth|vol|i|0011223344556677") {
		t.Error("server cookie not recognized")
	}
}
