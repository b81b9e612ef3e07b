package admission

import (
	"encoding/json"
	"net/url"

	"github.com/buger/jsonparser"
)

// nameKeysJSON / nameKeysForm are the candidate keys tried, in priority
// order, to extract the operation identity and its variables from a JSON
// body or a URL query string respectively (§9 "dynamic key extraction").
var (
	nameKeysJSON = []string{"op", "operationName", "operation", "query"}
	nameKeysForm = []string{"op", "operation", "query"}

	varKeysJSON = []string{"v", "variables"}
	varKeysForm = []string{"v", "variables"}
)

// extractNameFromJSON tries each candidate key, in order, against a JSON
// object body.
func extractNameFromJSON(body []byte) (string, bool) {
	for _, key := range nameKeysJSON {
		v, err := jsonparser.GetString(body, key)
		if err == nil && v != "" {
			return v, true
		}
	}
	return "", false
}

// extractVariablesFromJSON tries each candidate key against a JSON object
// body and returns the decoded variables map, if any.
func extractVariablesFromJSON(body []byte) (map[string]interface{}, bool) {
	for _, key := range varKeysJSON {
		raw, dataType, _, err := jsonparser.Get(body, key)
		if err != nil {
			continue
		}
		switch dataType {
		case jsonparser.Object:
			var vars map[string]interface{}
			if err := json.Unmarshal(raw, &vars); err == nil {
				return vars, true
			}
		case jsonparser.String:
			// a JSON-encoded-as-string variables blob, same as the GET path.
			s, err := jsonparser.ParseString(raw)
			if err != nil {
				continue
			}
			var vars map[string]interface{}
			if err := json.Unmarshal([]byte(s), &vars); err == nil {
				return vars, true
			}
		}
	}
	return nil, false
}

// extractNameFromQuery tries each candidate key against a URL query string.
func extractNameFromQuery(q url.Values) (string, bool) {
	for _, key := range nameKeysForm {
		if v := q.Get(key); v != "" {
			return v, true
		}
	}
	return "", false
}

// extractVariablesFromQuery tries each candidate key against a URL query
// string. When the value looks like a JSON string (GET transport has no
// native object encoding), it is JSON-decoded.
func extractVariablesFromQuery(q url.Values) (map[string]interface{}, bool) {
	for _, key := range varKeysForm {
		v := q.Get(key)
		if v == "" {
			continue
		}
		var vars map[string]interface{}
		if err := json.Unmarshal([]byte(v), &vars); err == nil {
			return vars, true
		}
	}
	return nil, false
}
