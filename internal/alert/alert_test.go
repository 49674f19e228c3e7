package alert

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/greencoder/noaa-alerts-pushover/internal/geo"
)

func TestIdentity_Deterministic(t *testing.T) {
	t.Parallel()

	id := "https://alerts.weather.gov/cap/wwacapget.php?x=CO125F2C8A1D10.TornadoWarning.125F2C8A2E40CO.BOUTORBOU.a1"
	a := Identity(id)
	b := Identity(id)
	if a != b {
		t.Fatalf("Identity not deterministic: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Errorf("len(Identity) = %d, want 64", len(a))
	}
	// sha256("abc")
	if got, want := Identity("abc"), "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"; got != want {
		t.Errorf("Identity(abc) = %q, want %q", got, want)
	}
}

func TestIdentity_DistinctInputs(t *testing.T) {
	t.Parallel()

	seen := make(map[string]string)
	for i := range 500 {
		src := "urn:oid:2.49.0.1.840.0." + time.Unix(int64(i), 0).UTC().Format("20060102150405")
		id := Identity(src)
		if prev, dup := seen[id]; dup {
			t.Fatalf("collision between %q and %q", prev, src)
		}
		seen[id] = src
	}
}

func TestExtractKeywords(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		eventType string
		summary   string
		want      []string
	}{
		{"tornado in special statement", "Special Weather Statement", "TORNADO WARNING ISSUED FOR AREA", []string{"Tornado"}},
		{"vocabulary order", "Severe Weather Statement", "flooding rain with hail and a thunderstorm, wind gusts", []string{"Thunderstorm", "Wind", "Rain", "Hail", "Flood"}},
		{"multi word term", "Special Weather Statement", "A STRONG STORM WILL IMPACT", []string{"Strong Storm"}},
		{"no terms", "Special Weather Statement", "dense fog advisory", nil},
		{"empty summary", "Special Weather Statement", "", nil},
		{"non statement ignores summary", "Tornado Warning", "TORNADO WARNING ISSUED FOR AREA", nil},
		{"case sensitive event type", "special weather statement", "TORNADO", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ExtractKeywords(tt.eventType, tt.summary)
			if !slices.Equal(got, tt.want) {
				t.Errorf("ExtractKeywords(%q, %q) = %v, want %v", tt.eventType, tt.summary, got, tt.want)
			}
		})
	}
}

func TestSetMatch_OnlyOnce(t *testing.T) {
	t.Parallel()

	r := &Record{Identity: "abc"}
	if err := r.SetMatch(geo.Region{Name: "Arapahoe", State: "CO"}); err != nil {
		t.Fatalf("first SetMatch: %v", err)
	}
	err := r.SetMatch(geo.Region{Name: "Boulder", State: "CO"})
	if !errors.Is(err, ErrAlreadyMatched) {
		t.Fatalf("second SetMatch err = %v, want ErrAlreadyMatched", err)
	}
	if r.MatchedRegion.Name != "Arapahoe" {
		t.Errorf("MatchedRegion = %q, want %q", r.MatchedRegion.Name, "Arapahoe")
	}
}

func TestSetExpiry_NormalizesToUTC(t *testing.T) {
	t.Parallel()

	mdt := time.FixedZone("MDT", -6*3600)
	local := time.Date(2026, 5, 14, 18, 45, 0, 0, mdt)

	var r Record
	r.SetExpiry(local)

	if r.ExpiresAt.Location() != time.UTC {
		t.Errorf("ExpiresAt location = %v, want UTC", r.ExpiresAt.Location())
	}
	if !r.ExpiresAt.Equal(local) {
		t.Errorf("ExpiresAt = %v, want instant %v", r.ExpiresAt, local)
	}
	if r.ExpiresEpoch != local.Unix() {
		t.Errorf("ExpiresEpoch = %d, want %d", r.ExpiresEpoch, local.Unix())
	}
}

func TestShortID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   string
		want string
	}{
		{"0123456789abcdef", "bcdef"},
		{"abcde", "abcde"},
		{"ab", "ab"},
		{"", ""},
	}
	for _, tt := range tests {
		r := Record{Identity: tt.id}
		if got := r.ShortID(); got != tt.want {
			t.Errorf("ShortID(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestClone_Independent(t *testing.T) {
	t.Parallel()

	r := &Record{
		Identity:       "abc",
		DetailKeywords: []string{"Wind"},
		UGCCodes:       []string{"COZ039"},
		FIPSCodes:      []string{"008005"},
		MatchedRegion:  &geo.Region{Name: "Arapahoe"},
	}
	cp := r.Clone()
	cp.UGCCodes[0] = "X"
	cp.DetailKeywords[0] = "X"
	cp.MatchedRegion.Name = "X"

	if r.UGCCodes[0] != "COZ039" || r.DetailKeywords[0] != "Wind" || r.MatchedRegion.Name != "Arapahoe" {
		t.Errorf("Clone shares state with original: %+v", r)
	}
}
