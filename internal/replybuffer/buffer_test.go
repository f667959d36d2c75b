package replybuffer

import "testing"

func TestAddKVEscapeRoundTrip(t *testing.T) {
	tricky := "has\ttab\nand\x01byte"
	buf := New()
	buf.Add("nodelay")
	buf.AddKV("home", "/home/alice")
	buf.AddKV("note", tricky)

	s := buf.String()
	records := Split(s)
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d: %+v", len(records), records)
	}
	if records[0].Key != "nodelay" || records[0].HasKV {
		t.Errorf("record 0 = %+v", records[0])
	}
	if records[1].Key != "home" || records[1].Value != "/home/alice" {
		t.Errorf("record 1 = %+v", records[1])
	}
	if records[2].Key != "note" || records[2].Value != tricky {
		t.Errorf("record 2 value = %q, want %q", records[2].Value, tricky)
	}
}

func TestSplitImportRoundTrip(t *testing.T) {
	cases := [][]Record{
		{{Key: "a"}, {Key: "b", Value: "1", HasKV: true}},
		{{Key: "uid", Value: "1000", HasKV: true}, {Key: "nodelay"}},
	}
	for _, recs := range cases {
		buf := New()
		for _, r := range recs {
			if r.HasKV {
				buf.AddKV(r.Key, r.Value)
			} else {
				buf.Add(r.Key)
			}
		}
		got := Split(buf.String())
		if len(got) != len(recs) {
			t.Fatalf("got %d records, want %d", len(got), len(recs))
		}
		for i := range recs {
			if got[i] != recs[i] {
				t.Errorf("record %d = %+v, want %+v", i, got[i], recs[i])
			}
		}
	}
}

func TestRemove(t *testing.T) {
	buf := New()
	buf.AddKV("a", "1")
	buf.AddKV("b", "2")
	buf.Add("nodelay")

	s, ok := Remove(buf.String(), "b")
	if !ok {
		t.Fatal("expected Remove to find key b")
	}
	records := Split(s)
	if len(records) != 2 || records[0].Key != "a" || records[1].Key != "nodelay" {
		t.Errorf("unexpected records after remove: %+v", records)
	}

	_, ok = Remove(s, "missing")
	if ok {
		t.Error("expected Remove to report no match for missing key")
	}
}

func TestAddPanicsOnBadKey(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for empty key")
		}
	}()
	New().Add("")
}

func TestAddKVPanicsOnKeyWithTab(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for key containing TAB")
		}
	}()
	New().AddKV("bad\tkey", "v")
}

func TestImportConcatenates(t *testing.T) {
	buf := New()
	buf.Add("first")
	buf.Import("second=2\tthird")
	got := Split(buf.String())
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %+v", got)
	}
}
