package core

import (
	"strings"
	"unicode"
)

// Category is the label assigned to a message by the classifier
type Category string

const (
	CategoryInterested    Category = "Interested"
	CategoryMeetingBooked Category = "Meeting Booked"
	CategoryNotInterested Category = "Not Interested"
	CategorySpam          Category = "Spam"
	CategoryOutOfOffice   Category = "Out of Office"
	CategoryNone          Category = "None"
)

// Categories lists the closed set of labels in prompt order
var Categories = []Category{
	CategoryInterested,
	CategoryMeetingBooked,
	CategoryNotInterested,
	CategorySpam,
	CategoryOutOfOffice,
	CategoryNone,
}

var categoryIndex = func() map[string]Category {
	idx := make(map[string]Category, len(Categories))
	for _, c := range Categories {
		idx[foldCategory(string(c))] = c
	}
	return idx
}()

// ParseCategory maps a free-form label onto the closed set.
// Case, whitespace and punctuation are ignored, so "MeetingBooked" and
// "meeting booked." both resolve. Unknown labels return CategoryNone, false.
func ParseCategory(s string) (Category, bool) {
	key := foldCategory(s)
	if key == "" {
		return CategoryNone, false
	}
	c, ok := categoryIndex[key]
	if !ok {
		return CategoryNone, false
	}
	return c, true
}

// CategoryNames returns the category labels joined for use in prompts
func CategoryNames() string {
	names := make([]string, len(Categories))
	for i, c := range Categories {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}

// Valid reports whether c belongs to the closed set
func (c Category) Valid() bool {
	_, ok := categoryIndex[foldCategory(string(c))]
	return ok && categoryIndex[foldCategory(string(c))] == c
}

func foldCategory(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
