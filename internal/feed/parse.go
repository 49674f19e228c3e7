package feed

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync/atomic"
	"time"

	"github.com/greencoder/noaa-alerts-pushover/internal/alert"
)

const (
	atomNS = "http://www.w3.org/2005/Atom"
	capNS  = "urn:oasis:names:tc:emergency:cap:1.1"
)

var (
	// ErrMalformedEntry marks an entry that lacks a required field. Iteration
	// continues past it.
	ErrMalformedEntry = errors.New("malformed feed entry")

	// ErrConsumed is yielded when Entries is iterated a second time.
	ErrConsumed = errors.New("feed document already consumed")
)

// Entry is one decoded alert item.
type Entry struct {
	SourceID  string
	Title     string
	EventType string
	Summary   string
	Link      string
	Expires   time.Time
	FIPS      []string
	UGC       []string
}

// Record converts the entry into a new alert record tagged with runMarker.
func (e Entry) Record(runMarker string, createdAt time.Time) *alert.Record {
	r := &alert.Record{
		Identity:       alert.Identity(e.SourceID),
		Title:          e.Title,
		EventType:      e.EventType,
		DetailKeywords: alert.ExtractKeywords(e.EventType, e.Summary),
		SourceURL:      e.Link,
		DetailAPIURL:   e.SourceID,
		FIPSCodes:      e.FIPS,
		UGCCodes:       e.UGC,
		RunMarker:      runMarker,
		CreatedAt:      createdAt.UTC(),
	}
	r.SetExpiry(e.Expires)
	return r
}

// Document is a fetched feed body whose entries can be iterated once.
type Document struct {
	body     []byte
	consumed atomic.Bool
}

// NewDocument wraps a raw feed body.
func NewDocument(body []byte) *Document {
	return &Document{body: body}
}

// Size returns the body length in bytes.
func (d *Document) Size() int { return len(d.body) }

// Entries decodes entries lazily in document order. A malformed entry is
// yielded with an error wrapping ErrMalformedEntry and iteration continues;
// any other error ends the sequence. A second call yields only ErrConsumed.
func (d *Document) Entries() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		if !d.consumed.CompareAndSwap(false, true) {
			yield(Entry{}, ErrConsumed)
			return
		}

		dec := xml.NewDecoder(bytes.NewReader(d.body))
		index := 0
		for {
			tok, err := dec.Token()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Entry{}, fmt.Errorf("decode feed: %w", err))
				return
			}

			se, ok := tok.(xml.StartElement)
			if !ok || se.Name.Space != atomNS || se.Name.Local != "entry" {
				continue
			}

			var raw xmlEntry
			if err := dec.DecodeElement(&raw, &se); err != nil {
				yield(Entry{}, fmt.Errorf("decode entry %d: %w", index, err))
				return
			}

			e, err := raw.entry()
			if err != nil {
				err = fmt.Errorf("entry %d: %w", index, err)
			}
			index++
			if !yield(e, err) {
				return
			}
		}
	}
}

type xmlEntry struct {
	ID      string        `xml:"http://www.w3.org/2005/Atom id"`
	Title   string        `xml:"http://www.w3.org/2005/Atom title"`
	Summary string        `xml:"http://www.w3.org/2005/Atom summary"`
	Links   []xmlLink     `xml:"http://www.w3.org/2005/Atom link"`
	Event   string        `xml:"urn:oasis:names:tc:emergency:cap:1.1 event"`
	Expires string        `xml:"urn:oasis:names:tc:emergency:cap:1.1 expires"`
	Geocode *xmlGeocodeEl `xml:"urn:oasis:names:tc:emergency:cap:1.1 geocode"`
}

type xmlLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

type xmlGeocodeEl struct {
	Items []xmlGeocodeItem `xml:",any"`
}

type xmlGeocodeItem struct {
	XMLName xml.Name
	Text    string `xml:",chardata"`
}

func (x *xmlEntry) entry() (Entry, error) {
	e := Entry{
		SourceID:  strings.TrimSpace(x.ID),
		Title:     strings.TrimSpace(x.Title),
		EventType: strings.TrimSpace(x.Event),
		Summary:   strings.TrimSpace(x.Summary),
		Link:      x.link(),
	}
	e.FIPS, e.UGC = x.Geocode.codes()

	if e.SourceID == "" {
		return e, fmt.Errorf("%w: missing id", ErrMalformedEntry)
	}
	expires := strings.TrimSpace(x.Expires)
	if expires == "" {
		return e, fmt.Errorf("%w: missing expires", ErrMalformedEntry)
	}
	t, err := time.Parse(time.RFC3339, expires)
	if err != nil {
		return e, fmt.Errorf("%w: expires %q: %w", ErrMalformedEntry, expires, err)
	}
	e.Expires = t
	return e, nil
}

// link returns the first alternate link, falling back to the first link.
func (x *xmlEntry) link() string {
	for _, l := range x.Links {
		if l.Rel == "" || l.Rel == "alternate" {
			return strings.TrimSpace(l.Href)
		}
	}
	if len(x.Links) > 0 {
		return strings.TrimSpace(x.Links[0].Href)
	}
	return ""
}

// codes walks the geocode children in order. A valueName of FIPS6 or UGC
// tags the next value element; its text is split on whitespace.
func (g *xmlGeocodeEl) codes() (fips, ugc []string) {
	if g == nil {
		return nil, nil
	}
	var pending string
	for _, it := range g.Items {
		switch it.XMLName.Local {
		case "valueName":
			pending = strings.TrimSpace(it.Text)
		case "value":
			switch pending {
			case "FIPS6":
				fips = append(fips, strings.Fields(it.Text)...)
			case "UGC":
				ugc = append(ugc, strings.Fields(it.Text)...)
			}
			pending = ""
		}
	}
	return fips, ugc
}
