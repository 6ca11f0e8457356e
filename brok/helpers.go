package brok

import (
	"log/slog"
	"reflect"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// recordSeparator joins multi-valued string columns (detected patterns,
// feedback message IDs) in a single text field.
const recordSeparator = string(rune(30))

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
}

// joinRecords joins values with the record separator, for storage in a
// single text column.
func joinRecords(values []string) string {
	return strings.Join(values, recordSeparator)
}

// splitRecords is the inverse of joinRecords. An empty string yields nil.
func splitRecords(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, recordSeparator)
}

// truncateForDiscord shortens s to the Discord message length limit,
// appending an ellipsis marker when content was dropped.
func truncateForDiscord(s string) string {
	if len(s) <= discordMaxMessageLength {
		return s
	}
	suffix := "…"
	runes := []rune(s)
	if len(runes) <= discordMaxMessageLength {
		return s
	}
	return string(runes[:discordMaxMessageLength-len([]rune(suffix))]) + suffix
}

// structToSlogValue converts a struct to a slog.Value, using the struct's
// JSON tag as the key for each field, if set.
// If the `log` tag is set, the value specified will override the
// field's actual value. Ex: `log:"[redacted]"` will cause "[redacted]" to
// be shown as the field's value.
func structToSlogValue(v any) slog.Value {
	typ := reflect.TypeOf(v)
	if typ == nil {
		return slog.AnyValue(nil)
	}
	val := reflect.ValueOf(v)

	if typ.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
		typ = typ.Elem()
	}

	if typ.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	var groupAttrs []slog.Attr

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		jsonTag, _, _ := strings.Cut(field.Tag.Get("json"), ",")

		if jsonTag == "" {
			jsonTag = field.Name
		}

		fv := val.Field(i)
		if !fv.CanInterface() {
			continue
		}

		logTag := field.Tag.Get("log")
		if logTag != "" {
			groupAttrs = append(
				groupAttrs,
				slog.Attr{Key: jsonTag, Value: slog.StringValue(logTag)},
			)
			continue
		}

		// skip struct values that are nil or empty
		skip := false
		switch fv.Kind() {
		case reflect.Ptr:
			if fv.IsNil() {
				skip = true
			}
		case reflect.Map, reflect.Slice:
			if fv.IsNil() || fv.Len() == 0 {
				skip = true
			}
		case reflect.String:
			if fv.String() == "" {
				skip = true
			}
		}

		if skip {
			continue
		}

		groupAttrs = append(
			groupAttrs,
			slog.Attr{Key: jsonTag, Value: structToSlogValue(fv.Interface())},
		)
	}

	return slog.GroupValue(groupAttrs...)
}
