package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

var (
	ErrOutputFormat = errors.New("unsupported output format")

	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	errorStyle  = cellStyle.Foreground(lipgloss.Color("#ef4444"))
)

// output command flag
var outputFormat string

// printOutput writes v in the format, rows returns the table header and rows.
func printOutput(w io.Writer, format string, v interface{}, rows func() ([]string, [][]string)) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(v)

	case outputYAML:
		// encoded through JSON so the json tags and raw payloads are honored
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}

		var doc interface{}
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return err
		}

		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(doc); err != nil {
			return err
		}

		return enc.Close()

	case outputTable, "":
		headers, data := rows()
		_, err := fmt.Fprintln(w, renderTable(headers, data))

		return err
	}

	return errors.Wrap(ErrOutputFormat, format)
}

func renderTable(headers []string, rows [][]string) string {
	stateCol := -1

	for i, h := range headers {
		if h == "STATE" {
			stateCol = i
		}
	}

	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == stateCol && row >= 0 && row < len(rows) && rows[row][col] == string(model.StateError):
				return errorStyle
			default:
				return cellStyle
			}
		}).
		String()
}

func nodeRequestRows(reqs []*model.NodeRequest) func() ([]string, [][]string) {
	return func() ([]string, [][]string) {
		rows := make([][]string, 0, len(reqs))

		for _, req := range reqs {
			rows = append(rows, []string{
				req.AddHostSession,
				string(req.Action),
				string(req.RequestState),
				req.Admin,
				req.CreatedAt.Local().Format(time.RFC3339),
				strconv.Itoa(req.Retries),
				req.Message,
			})
		}

		return []string{"SESSION", "ACTION", "STATE", "ADMIN", "CREATED", "RETRIES", "MESSAGE"}, rows
	}
}

func nodeRows(nodes model.Nodes) func() ([]string, [][]string) {
	return func() ([]string, [][]string) {
		rows := make([][]string, 0, len(nodes))

		for _, node := range nodes {
			var mac string
			if nic := node.BootNic(); nic != nil {
				mac = nic.MAC
			}

			rows = append(rows, []string{
				node.Name,
				node.HardwareProfile,
				node.SoftwareProfile,
				string(node.State),
				strconv.FormatBool(node.IsIdle),
				mac,
				node.AddHostSession,
			})
		}

		return []string{"NAME", "HARDWARE PROFILE", "SOFTWARE PROFILE", "STATE", "IDLE", "BOOT MAC", "SESSION"}, rows
	}
}

func validateOutputFormat(format string) error {
	switch strings.ToLower(format) {
	case outputTable, outputJSON, outputYAML:
		return nil
	}

	return errors.Wrap(ErrOutputFormat, format+", expected one of table, json, yaml")
}
