package keeper

import (
	"testing"
	"testing/quick"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestMetadataCodec(t *testing.T) {
	err := quick.Check(func(m map[string]string) bool {
		b1, err := MarshalMetadata(m)
		if err != nil {
			t.Log(err)
			return false
		}
		b2, err := MarshalMetadata(Metadata(m).Clone())
		if err != nil {
			t.Log(err)
			return false
		}
		if string(b1) != string(b2) {
			t.Log("encoding is not deterministic")
			return false
		}
		got, err := UnmarshalMetadata(b1)
		if err != nil {
			t.Log(err)
			return false
		}
		if diff := cmp.Diff(Metadata(m), got, cmpopts.EquateEmpty()); diff != "" {
			t.Logf("mismatch (-want +got):\n%s", diff)
			return false
		}
		return true
	}, nil)
	if err != nil {
		t.Error(err)
	}
}

func TestUnmarshalMetadataGarbage(t *testing.T) {
	if _, err := UnmarshalMetadata([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Error("got no error decoding garbage")
	}
}

func TestClone(t *testing.T) {
	var m Metadata
	c := m.Clone()
	if c == nil {
		t.Fatal("clone of nil metadata is nil")
	}
	c["x"] = "y"

	orig := Metadata{"a": "b"}
	c = orig.Clone()
	c["a"] = "changed"
	if orig["a"] != "b" {
		t.Error("clone shares storage with the original")
	}
}

func TestValueText(t *testing.T) {
	cases := []struct {
		name string
		val  Value
		want string
	}{
		{
			name: "utf8_default",
			val:  Value{Data: []byte("naïve")},
			want: "naïve",
		},
		{
			name: "latin1",
			val:  Value{Data: []byte{'n', 'a', 0xef, 'v', 'e'}, Meta: Metadata{EncodingAttr: "latin1"}},
			want: "naïve",
		},
		{
			name: "shift_jis",
			val:  Value{Data: []byte{0x93, 0xfa, 0x96, 0x7b}, Meta: Metadata{EncodingAttr: "shift_jis"}},
			want: "日本",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := c.val.Text()
			if err != nil {
				t.Fatal(err)
			}
			if got != c.want {
				t.Errorf("got %q, want %q", got, c.want)
			}
		})
	}

	bad := Value{Data: []byte("raw"), Meta: Metadata{EncodingAttr: "bogus"}}
	if _, err := bad.Text(); err == nil {
		t.Error("got no error for unknown encoding")
	}
	if got := bad.String(); got != "raw" {
		t.Errorf("got %q, want raw content", got)
	}
}
