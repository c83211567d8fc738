package dcb

import "strings"

// Storage encoding for tags is "key=value" in a text array. The parse
// splits on the first '=' so values may themselves contain '='.

// EncodeTag encodes a tag into its storage form.
func EncodeTag(t Tag) string {
	return t.Key + "=" + t.Value
}

// ParseTag parses the storage form back into a tag. A string without '='
// becomes a tag with an empty value.
func ParseTag(s string) Tag {
	if i := strings.IndexByte(s, '='); i >= 0 {
		return Tag{Key: s[:i], Value: s[i+1:]}
	}
	return Tag{Key: s}
}

// TagsToArray converts tags to their storage array form.
func TagsToArray(tags []Tag) []string {
	if len(tags) == 0 {
		return []string{}
	}
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = EncodeTag(t)
	}
	return out
}

// ParseTagsArray converts a storage array back into tags.
func ParseTagsArray(arr []string) []Tag {
	if len(arr) == 0 {
		return nil
	}
	out := make([]Tag, len(arr))
	for i, s := range arr {
		out[i] = ParseTag(s)
	}
	return out
}
