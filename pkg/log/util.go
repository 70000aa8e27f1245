package log

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// identifierKeys name values that always carry a device identifier. Plain
// strings logged under them are redacted like Serial.
var identifierKeys = map[string]bool{
	"udid":   true,
	"ecid":   true,
	"serial": true,
}

// toFields converts logr-style arguments to zap fields. A zap.Field or an
// error may stand alone; everything else is read as key/value pairs.
func toFields(args ...any) []zap.Field {
	if len(args) == 0 {
		return nil
	}

	fields := make([]zap.Field, 0, len(args)/2+1)
	for i := 0; i < len(args); {
		switch v := args[i].(type) {
		case zap.Field:
			fields = append(fields, v)
			i++
			continue
		case error:
			fields = append(fields, zap.Error(v))
			i++
			continue
		}

		if i == len(args)-1 {
			fields = append(fields, zap.Any(fmt.Sprintf("arg#%d", i), args[i]))
			break
		}

		key, val := args[i], args[i+1]
		i += 2
		keyStr, ok := key.(string)
		if !ok {
			fields = append(fields, zap.Any(fmt.Sprintf("invalid_key_%d", i/2), map[string]any{
				"key":   key,
				"value": val,
			}))
			continue
		}
		fields = append(fields, field(keyStr, val))
	}
	return fields
}

// field builds one typed field. zap.Any keeps fmt.Stringer values lazy, so
// Serial redacts at encode time and never for disabled levels.
func field(key string, val any) zap.Field {
	if s, ok := val.(string); ok && identifierKeys[strings.ToLower(key)] {
		return zap.Stringer(key, Serial(s))
	}
	return zap.Any(key, val)
}
