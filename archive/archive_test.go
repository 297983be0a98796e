package archive

import (
	"bytes"
	"testing"

	"koltrakak/picld/diag"
	obj "koltrakak/picld/objectformat"
)

func buildArchive(t *testing.T, members []Member) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := Write(&buf, members); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return buf.Bytes()
}

func TestClassify(t *testing.T) {
	o := obj.NewObject("x.o", "18f2550")
	content, err := obj.Encode(o)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	tests := []struct {
		name    string
		content []byte
		want    Kind
	}{
		{"empty", nil, KindEmpty},
		{"archive", []byte("!<arch>\nsomething"), KindArchive},
		{"object", content, KindObject},
		{"elf", []byte("\177ELF\x01\x01"), KindUnknown},
		{"short archive magic", []byte("!<arch>"), KindUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.content); got != tt.want {
			t.Errorf("%s: Classify = %v, expected %v", tt.name, got, tt.want)
		}
	}
	if IsContainer(content) {
		t.Errorf("An object must not be a container")
	}
}

func TestExtractPreservesOrder(t *testing.T) {
	members := []Member{
		{Name: "x.o", Content: []byte("first member")},
		{Name: "a_really_long_member_name.o", Content: []byte("odd")},
		{Name: "y.o", Content: []byte("third")},
	}
	content := buildArchive(t, members)

	sink := diag.New()
	got := Extract("lib.a", content, sink)
	if sink.HasErrors() {
		t.Fatalf("Unexpected errors: %v", sink.Diagnostics())
	}
	if len(got) != len(members) {
		t.Fatalf("Expected %d members, got %d", len(members), len(got))
	}
	for i := range members {
		if got[i].Name != members[i].Name {
			t.Errorf("Member %d name = %q, expected %q", i, got[i].Name, members[i].Name)
		}
		if !bytes.Equal(got[i].Content, members[i].Content) {
			t.Errorf("Member %d content = %q", i, got[i].Content)
		}
	}
}

func TestExtractSkipsMalformedMember(t *testing.T) {
	content := buildArchive(t, []Member{
		{Name: "x.o", Content: []byte("xx")},
		{Name: "bad.o", Content: []byte("bb")},
		{Name: "y.o", Content: []byte("yy")},
	})
	// il secondo membro inizia dopo magic + header + 2 byte di dati
	second := len(Magic) + HeaderSize + 2
	copy(content[second+58:], "XX")

	sink := diag.New()
	got := Extract("lib.a", content, sink)
	if sink.Count(diag.KindFormat) != 1 {
		t.Fatalf("Expected one format error, got %v", sink.Diagnostics())
	}
	if len(got) != 2 || got[0].Name != "x.o" || got[1].Name != "y.o" {
		t.Fatalf("Extraction did not continue after the bad member: %+v", got)
	}
}

func TestExtractTruncated(t *testing.T) {
	content := buildArchive(t, []Member{
		{Name: "x.o", Content: []byte("xx")},
		{Name: "y.o", Content: []byte("yyyyyyyy")},
	})

	sink := diag.New()
	got := Extract("lib.a", content[:len(content)-3], sink)
	if !sink.HasErrors() {
		t.Fatalf("Expected an error for a truncated member")
	}
	if len(got) != 1 || got[0].Name != "x.o" {
		t.Fatalf("The first member must still be extracted: %+v", got)
	}
}

func TestExtractNotAnArchive(t *testing.T) {
	sink := diag.New()
	if got := Extract("x.o", []byte("nope"), sink); got != nil {
		t.Errorf("Expected no members")
	}
	if sink.Count(diag.KindFormat) != 1 {
		t.Errorf("Expected a format error")
	}
}
