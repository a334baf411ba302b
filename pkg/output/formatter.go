// Package output renders CLI results as tables, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"
)

// Formatter defines the interface for output formatting.
type Formatter interface {
	Format(data any) string
}

// Formats lists the accepted -o values.
var Formats = []string{"table", "json", "yaml"}

// NewFormatter returns a Formatter for the given format string.
// Supported formats: "table" (default), "json", "yaml".
func NewFormatter(format string) Formatter {
	switch strings.ToLower(format) {
	case "json":
		return &JSONFormatter{}
	case "yaml", "yml":
		return &YAMLFormatter{}
	default:
		return &TableFormatter{}
	}
}

// Valid reports whether format is one of Formats.
func Valid(format string) bool {
	switch strings.ToLower(format) {
	case "", "table", "json", "yaml", "yml":
		return true
	}
	return false
}

// Tabular lets a value choose its own table columns.
type Tabular interface {
	Headers() []string
	Rows() [][]string
}

// TableFormatter formats structs and slices of structs as bordered tables.
type TableFormatter struct{}

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func render(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...)
	return t.String() + "\n"
}

func (f *TableFormatter) Format(data any) string {
	if tab, ok := data.(Tabular); ok {
		rows := tab.Rows()
		if len(rows) == 0 {
			return "No resources found.\n"
		}
		return render(tab.Headers(), rows)
	}

	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Slice:
		if v.Len() == 0 {
			return "No resources found.\n"
		}
		elem := v.Index(0)
		if elem.Kind() == reflect.Ptr {
			elem = elem.Elem()
		}
		if elem.Kind() != reflect.Struct {
			var b strings.Builder
			for i := 0; i < v.Len(); i++ {
				fmt.Fprintln(&b, v.Index(i).Interface())
			}
			return b.String()
		}
		fields := exported(elem.Type())
		headers := make([]string, len(fields))
		for i, fi := range fields {
			headers[i] = strings.ToUpper(elem.Type().Field(fi).Name)
		}
		rows := make([][]string, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			row := v.Index(i)
			if row.Kind() == reflect.Ptr {
				row = row.Elem()
			}
			vals := make([]string, len(fields))
			for j, fi := range fields {
				vals[j] = fmt.Sprintf("%v", row.Field(fi).Interface())
			}
			rows = append(rows, vals)
		}
		return render(headers, rows)
	case reflect.Struct:
		rows := make([][]string, 0, v.NumField())
		for _, fi := range exported(v.Type()) {
			rows = append(rows, []string{v.Type().Field(fi).Name, fmt.Sprintf("%v", v.Field(fi).Interface())})
		}
		return render([]string{"FIELD", "VALUE"}, rows)
	default:
		return fmt.Sprintln(data)
	}
}

func exported(t reflect.Type) []int {
	var idx []int
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).IsExported() {
			idx = append(idx, i)
		}
	}
	return idx
}

// JSONFormatter formats data as indented JSON.
type JSONFormatter struct{}

func (f *JSONFormatter) Format(data any) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("error formatting JSON: %v\n", err)
	}
	return string(b) + "\n"
}

// YAMLFormatter formats data as YAML.
type YAMLFormatter struct{}

func (f *YAMLFormatter) Format(data any) string {
	b, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Sprintf("error formatting YAML: %v\n", err)
	}
	return string(b)
}
