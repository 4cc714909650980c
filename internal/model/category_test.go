package model

import "testing"

func TestCategoriesOrder(t *testing.T) {
	cats := Categories()
	want := []Category{CategoryPackage, CategoryUserData, CategoryDeviceUserData, CategorySharedData, CategoryAuxiliaryStorage}
	if len(cats) != len(want) {
		t.Fatalf("len = %d, want %d", len(cats), len(want))
	}
	for i := range want {
		if cats[i] != want[i] {
			t.Errorf("cats[%d] = %q, want %q", i, cats[i], want[i])
		}
		if cats[i].Index() != i {
			t.Errorf("%q.Index() = %d, want %d", cats[i], cats[i].Index(), i)
		}
	}

	// Mutating the returned slice must not affect the package order.
	cats[0] = CategoryAuxiliaryStorage
	if Categories()[0] != CategoryPackage {
		t.Error("Categories() returned shared backing array")
	}
}

func TestCategoryIsData(t *testing.T) {
	if CategoryPackage.IsData() {
		t.Error("package category reported as data")
	}
	for _, c := range []Category{CategoryUserData, CategoryDeviceUserData, CategorySharedData, CategoryAuxiliaryStorage} {
		if !c.IsData() {
			t.Errorf("%q.IsData() = false", c)
		}
	}
	if Category("bogus").IsData() {
		t.Error("unknown category reported as data")
	}
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory("user_de")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c != CategoryDeviceUserData {
		t.Errorf("got %q", c)
	}
	if _, err := ParseCategory("media"); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestRestoreRecordLatest(t *testing.T) {
	r := &RestoreRecord{}
	if _, ok := r.Latest(); ok {
		t.Error("expected no snapshot")
	}

	r.Snapshots = []RestoreDetail{{Date: "1"}, {Date: "2"}}
	r.RestoreIndex = 1
	s, ok := r.Latest()
	if !ok || s.Date != "1" {
		t.Errorf("latest = %q, want 1", s.Date)
	}

	r.RestoreIndex = 9
	s, _ = r.Latest()
	if s.Date != "2" {
		t.Errorf("latest with out-of-range index = %q, want 2", s.Date)
	}
}

func TestRecordCloneIsDeep(t *testing.T) {
	b := &BackupRecord{Detail: BackupDetail{Sizes: Sizes{CategoryUserData: "10"}}}
	c := b.Clone()
	c.Detail.Sizes[CategoryUserData] = "20"
	if b.Detail.Sizes[CategoryUserData] != "10" {
		t.Error("backup clone shares sizes map")
	}

	r := &RestoreRecord{Snapshots: []RestoreDetail{{Date: "1", Sizes: Sizes{CategoryPackage: "5"}}}}
	rc := r.Clone()
	rc.Snapshots[0].Sizes[CategoryPackage] = "6"
	rc.Snapshots[0].Date = "2"
	if r.Snapshots[0].Sizes[CategoryPackage] != "5" || r.Snapshots[0].Date != "1" {
		t.Error("restore clone shares snapshot data")
	}
}
