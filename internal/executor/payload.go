package executor

import "encoding/json"

// CreateRequest is the dispatch payload for POST /task/create.
// Extra carries processing flags such as "ai_revise"; each key is sent as a
// top-level field, but never replaces one of the fixed fields.
type CreateRequest struct {
	ID        string
	UserID    string
	Content   string
	Numbers   []string
	MediaURLs []string
	MediaType string
	Extra     map[string]any
}

// MarshalJSON flattens Extra into the top-level object
func (r CreateRequest) MarshalJSON() ([]byte, error) {
	numbers := r.Numbers
	if numbers == nil {
		numbers = []string{}
	}
	mediaURLs := r.MediaURLs
	if mediaURLs == nil {
		mediaURLs = []string{}
	}

	out := make(map[string]any, len(r.Extra)+6)
	for k, v := range r.Extra {
		out[k] = v
	}
	out["ID"] = r.ID
	out["userId"] = r.UserID
	out["content"] = r.Content
	out["numbers"] = numbers
	out["mediaUrls"] = mediaURLs
	out["mediaType"] = r.MediaType
	return json.Marshal(out)
}
