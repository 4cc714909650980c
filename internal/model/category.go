package model

import "fmt"

// Category is one class of data backed up per package.
type Category string

const (
	CategoryPackage          Category = "apk"
	CategoryUserData         Category = "user"
	CategoryDeviceUserData   Category = "user_de"
	CategorySharedData       Category = "data"
	CategoryAuxiliaryStorage Category = "obb"
)

var categoryOrder = []Category{
	CategoryPackage,
	CategoryUserData,
	CategoryDeviceUserData,
	CategorySharedData,
	CategoryAuxiliaryStorage,
}

// Categories returns every category in processing order. Package is always first.
func Categories() []Category {
	out := make([]Category, len(categoryOrder))
	copy(out, categoryOrder)
	return out
}

// Index returns the position of c in processing order, or -1 if c is unknown.
func (c Category) Index() int {
	for i, cat := range categoryOrder {
		if cat == c {
			return i
		}
	}
	return -1
}

// IsData reports whether c holds application data rather than the package itself.
func (c Category) IsData() bool {
	return c != CategoryPackage && c.Index() >= 0
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	return c.Index() >= 0
}

// ParseCategory converts a string into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}
