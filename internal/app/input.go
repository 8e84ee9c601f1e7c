// Input-file parsing is an external collaborator per spec.md §1 ("input-file
// parsing (CSV/JSON/text)... only the contracts they expose/consume are
// specified"). This file is the thinnest possible adapter satisfying that
// contract so the CLI has something to feed the coordinator: one
// (Person, ChannelRef) pair per non-empty, non-comment line, either a bare
// channel URL or "name,email,channel_url".
package app

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/massingest/engine/internal/extractor"
	"github.com/massingest/engine/internal/models"
)

// ParseInputFile reads path, producing one ChannelInput per data line.
// Blank lines and lines starting with "#" are ignored. Each line is either a
// bare channel URL, or "name,email,channel_url" (email may be empty).
func ParseInputFile(path string) ([]models.ChannelInput, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("app: open input file %s: %w", path, err)
	}
	defer f.Close()

	var inputs []models.ChannelInput
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		in, err := parseInputLine(line)
		if err != nil {
			return nil, fmt.Errorf("app: input file %s line %d: %w", path, lineNo, err)
		}
		inputs = append(inputs, in)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("app: read input file %s: %w", path, err)
	}
	return inputs, nil
}

func parseInputLine(line string) (models.ChannelInput, error) {
	fields := strings.Split(line, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	var rawURL, name, email string
	switch len(fields) {
	case 1:
		rawURL = fields[0]
	case 3:
		name, email, rawURL = fields[0], fields[1], fields[2]
	default:
		return models.ChannelInput{}, fmt.Errorf("expected a bare channel url or \"name,email,channel_url\", got %d fields", len(fields))
	}

	channel, err := extractor.NormalizeChannelURL(rawURL)
	if err != nil {
		return models.ChannelInput{}, err
	}
	if name == "" {
		name = string(channel)
	}

	return models.ChannelInput{
		Person:  models.Person{Name: name, Email: email, ChannelURL: channel},
		Channel: channel,
	}, nil
}
