// Package mapper turns relayd records into remote API payloads. Every
// function here is pure.
package mapper

import (
	"strings"
	"time"
	"unicode/utf16"

	"pkt.systems/relayd/api"
)

// Payload is one JSON object sent to the remote.
type Payload = map[string]any

// reservedTraits are lifted into top-level profile fields and kept out of
// custom_attributes.
var reservedTraits = map[string]struct{}{
	"company":                {},
	"companies":              {},
	"phone":                  {},
	"lastRequestAt":          {},
	"last_request_at":        {},
	"unsubscribedFromEmails": {},
}

// Profile maps an identify record to a user upsert payload. now stands in
// for a missing record timestamp.
func Profile(rec api.Identify, now time.Time) Payload {
	ts := timestampOr(rec.Timestamp, now)
	traits := FormatTraits(rec.Traits)
	out := Payload{}

	if id := strings.TrimSpace(rec.UserID); id != "" {
		out["user_id"] = id
	}
	plain := make(map[string]any, len(rec.Traits))
	for k, v := range rec.Traits {
		if _, skip := reservedTraits[k]; skip {
			continue
		}
		plain[k] = v
	}
	custom := FormatTraits(plain)
	if id := strings.TrimSpace(rec.UserID); id != "" {
		if _, ok := custom["id"]; !ok {
			custom["id"] = id
		}
	}
	out["custom_attributes"] = custom

	if ua := rec.Context.UserAgent; ua != "" {
		out["last_seen_user_agent"] = ua
	}
	if created, ok := createdAt(rec.Traits); ok {
		out["remote_created_at"] = created.Unix()
	}
	if rec.Context.IsActive() {
		out["last_request_at"] = ts.Unix()
	}
	if raw, ok := firstPresent(rec.Traits, "lastRequestAt", "last_request_at"); ok {
		if t, ok := ParseTime(raw); ok {
			out["last_request_at"] = t.Unix()
		}
	}
	if ip := rec.Context.IP; ip != "" {
		out["last_seen_ip"] = ip
	}
	if email := rec.ResolvedEmail(); email != "" {
		out["email"] = email
	}
	if name := profileName(rec.Traits); name != "" {
		out["name"] = name
	}
	if phone, ok := rec.Traits["phone"].(string); ok && phone != "" {
		out["phone"] = phone
	}
	if unsub, ok := rec.Traits["unsubscribedFromEmails"].(bool); ok {
		out["unsubscribed_from_emails"] = unsub
	}

	var companies []any
	if list, ok := traits["companies"].([]any); ok {
		companies = list
	}
	if company, ok := traits["company"]; ok && company != nil {
		companies = []any{company}
	}
	if companies != nil {
		formatted := make([]any, 0, len(companies))
		for _, c := range companies {
			if fc := formatCompany(c); fc != nil {
				formatted = append(formatted, fc)
			}
		}
		out["companies"] = formatted
	}
	return out
}

// Company maps a group record to a company upsert payload.
func Company(rec api.Group) Payload {
	out := Payload{
		"company_id":        strings.TrimSpace(rec.GroupID),
		"custom_attributes": FormatTraits(rec.Traits),
	}
	if created, ok := createdAt(rec.Traits); ok {
		out["remote_created_at"] = created.Unix()
	}
	if name, ok := rec.Traits["name"].(string); ok && name != "" {
		out["name"] = name
	}
	if spend, ok := firstPresent(rec.Traits, "monthlySpend", "monthly_spend"); ok {
		out["monthly_spend"] = spend
	}
	if plan, ok := rec.Traits["plan"]; ok {
		out["plan"] = plan
	}
	return out
}

// GroupProfile builds the profile update that attaches the group's member
// to the group once the company upsert succeeded.
func GroupProfile(rec api.Group) api.Identify {
	company := make(map[string]any, len(rec.Traits)+1)
	for k, v := range rec.Traits {
		company[k] = v
	}
	company["id"] = strings.TrimSpace(rec.GroupID)
	return api.Identify{
		UserID:    rec.UserID,
		Email:     rec.Email,
		Traits:    map[string]any{"companies": []any{company}},
		Context:   rec.Context,
		Timestamp: rec.Timestamp,
	}
}

// Event maps a track record to an event payload.
func Event(rec api.Track, now time.Time) Payload {
	out := Payload{
		"created":    timestampOr(rec.Timestamp, now).Unix(),
		"event_name": rec.Event,
	}
	if id := strings.TrimSpace(rec.UserID); id != "" {
		out["user_id"] = id
	}
	if email := rec.ResolvedEmail(); email != "" {
		out["email"] = email
	}
	if rec.Properties != nil {
		out["metadata"] = rec.Properties
	} else {
		out["metadata"] = map[string]any{}
	}
	return out
}

// Bulk data types.
const (
	DataTypeUser  = "user"
	DataTypeEvent = "event"
)

// Bulk wraps items in a bulk job request. A non-empty jobID appends to that
// job instead of opening a new one.
func Bulk(dataType string, jobID string, items ...Payload) Payload {
	list := make([]any, 0, len(items))
	for _, item := range items {
		list = append(list, map[string]any{
			"method":    "post",
			"data_type": dataType,
			"data":      item,
		})
	}
	out := Payload{"items": list}
	if jobID != "" {
		out["job"] = map[string]any{"id": jobID}
	}
	return out
}

// FormatTraits converts date values into unix seconds under an "_at" key,
// recursing into nested objects and arrays.
func FormatTraits(traits map[string]any) map[string]any {
	if traits == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(traits))
	for key, val := range traits {
		switch v := val.(type) {
		case map[string]any:
			out[key] = FormatTraits(v)
		case []any:
			out[key] = formatSlice(v)
		case time.Time:
			out[DateKey(key)] = v.Unix()
		case string:
			if t, ok := ParseISO(v); ok {
				out[DateKey(key)] = t.Unix()
				continue
			}
			out[key] = v
		default:
			out[key] = val
		}
	}
	return out
}

func formatSlice(values []any) []any {
	out := make([]any, len(values))
	for i, val := range values {
		switch v := val.(type) {
		case map[string]any:
			out[i] = FormatTraits(v)
		case []any:
			out[i] = formatSlice(v)
		default:
			out[i] = val
		}
	}
	return out
}

// DateKey names the attribute that carries a date: "foo" becomes "foo_at",
// "foo at" becomes "foo_at" and keys already ending in "_at" are kept.
func DateKey(key string) string {
	lower := strings.ToLower(key)
	switch {
	case strings.HasSuffix(lower, "_at"):
		return key
	case strings.HasSuffix(lower, " at"):
		return key[:len(key)-3] + "_at"
	default:
		return key + "_at"
	}
}

// StringHash is the 32-bit djb2-xor hash the remote's company ids were
// historically derived from when a company has a name but no id.
func StringHash(s string) uint32 {
	units := utf16.Encode([]rune(s))
	var h uint32 = 5381
	for i := len(units) - 1; i >= 0; i-- {
		h = (h * 33) ^ uint32(units[i])
	}
	return h
}

func formatCompany(raw any) map[string]any {
	var company map[string]any
	switch v := raw.(type) {
	case string:
		company = map[string]any{"name": v}
	case map[string]any:
		company = v
	default:
		return nil
	}
	out := map[string]any{}
	custom := map[string]any{}
	for k, v := range company {
		switch k {
		case "name", "id", "remove":
			continue
		}
		custom[k] = v
	}
	out["custom_attributes"] = custom
	name, _ := company["name"].(string)
	if name != "" {
		out["name"] = name
	}
	switch id := company["id"].(type) {
	case string:
		if id != "" {
			out["company_id"] = id
		}
	case float64, int, int64:
		out["company_id"] = id
	}
	if _, ok := out["company_id"]; !ok && name != "" {
		out["company_id"] = StringHash(name)
	}
	if created, ok := firstPresent(company, "created", "created_at"); ok {
		if t, ok := ParseTime(created); ok {
			out["remote_created_at"] = t.Unix()
		} else {
			out["remote_created_at"] = created
		}
	}
	if remove, ok := company["remove"].(bool); ok && remove {
		out["remove"] = true
	}
	return out
}

func profileName(traits map[string]any) string {
	if name, ok := traits["name"].(string); ok && strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name)
	}
	first, _ := traits["firstName"].(string)
	last, _ := traits["lastName"].(string)
	return strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
}

func createdAt(traits map[string]any) (time.Time, bool) {
	raw, ok := firstPresent(traits, "created", "createdAt", "created_at")
	if !ok {
		return time.Time{}, false
	}
	return ParseTime(raw)
}

func firstPresent(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil && v != "" {
			return v, true
		}
	}
	return nil, false
}

func timestampOr(ts, now time.Time) time.Time {
	if ts.IsZero() {
		return now
	}
	return ts
}
