package config

import "fmt"

// FieldError 指出出错的配置项、取值与原因。
type FieldError struct {
	Field  string
	Value  string
	Reason string
}

func (e FieldError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s=%q: %s", e.Field, e.Value, e.Reason)
}

func newFieldError(field, value, reason string) error {
	return FieldError{Field: field, Value: value, Reason: reason}
}

// redirectionField 输出 Redirect[/path] 形式的字段路径，与 TOML 中的 [[Redirect]] 对应。
func redirectionField(from string) string {
	return "Redirect[" + from + "]"
}
