/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ingest

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
)

const (
	ContentTypePlain    = "text/plain"
	ContentTypeMarkdown = "text/markdown"
	ContentTypeJSONText = "application/json-text"

	DefaultChunkSize    = 800
	DefaultChunkOverlap = 100
)

// SniffContentType resolves the effective content type from the declared
// header and the bytes. Unknown declared types are rejected rather than
// guessed over.
func SniffContentType(declared string, content []byte) (string, error) {
	declared = strings.ToLower(strings.TrimSpace(strings.Split(declared, ";")[0]))
	switch declared {
	case ContentTypePlain, ContentTypeMarkdown, ContentTypeJSONText:
		return declared, nil
	case "", "application/octet-stream":
	default:
		return "", apierrors.Newf(apierrors.CodeUnsupportedContentType,
			"content type %q is not supported", declared)
	}
	if !utf8.Valid(content) {
		return "", apierrors.Newf(apierrors.CodeUnsupportedContentType, "content is not valid UTF-8 text")
	}
	trimmed := strings.TrimSpace(string(content))
	if json.Valid([]byte(trimmed)) && (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) {
		return ContentTypeJSONText, nil
	}
	if looksLikeMarkdown(trimmed) {
		return ContentTypeMarkdown, nil
	}
	return ContentTypePlain, nil
}

func looksLikeMarkdown(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, "```") ||
			strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") {
			return true
		}
	}
	return false
}

// Normalize flattens the raw document into plain text for chunking.
// Markdown keeps its prose with markup stripped lightly; JSON documents are
// flattened to "path: value" lines so field content stays searchable.
func Normalize(contentType string, content []byte) string {
	text := string(content)
	switch contentType {
	case ContentTypeMarkdown:
		return normalizeMarkdown(text)
	case ContentTypeJSONText:
		return normalizeJSON(text)
	default:
		return normalizeWhitespace(text)
	}
}

func normalizeWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func normalizeMarkdown(text string) string {
	var out []string
	inFence := false
	for _, line := range strings.Split(normalizeWhitespace(text), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			out = append(out, line)
			continue
		}
		trimmed = strings.TrimLeft(trimmed, "#>")
		trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "- "), "* ")
		trimmed = strings.NewReplacer("**", "", "`", "").Replace(trimmed)
		out = append(out, strings.TrimSpace(trimmed))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func normalizeJSON(text string) string {
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return normalizeWhitespace(text)
	}
	var lines []string
	flattenJSON("", decoded, &lines)
	return strings.Join(lines, "\n")
}

func flattenJSON(path string, value any, lines *[]string) {
	switch v := value.(type) {
	case map[string]any:
		for _, key := range sortedKeys(v) {
			flattenJSON(joinPath(path, key), v[key], lines)
		}
	case []any:
		for i, item := range v {
			flattenJSON(joinPath(path, itoa(i)), item, lines)
		}
	case string:
		*lines = append(*lines, path+": "+v)
	case float64:
		*lines = append(*lines, path+": "+trimFloat(v))
	case bool:
		if v {
			*lines = append(*lines, path+": true")
		} else {
			*lines = append(*lines, path+": false")
		}
	case nil:
		*lines = append(*lines, path+": null")
	}
}

// Chunk splits normalized text into rune-bounded windows with overlap.
// Split points back up to the nearest word boundary when one is close, so
// chunks do not cut words in half.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
		if overlap >= size {
			overlap = size / 4
		}
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, strings.TrimSpace(string(runes[start:])))
			break
		}
		cut := end
		// Prefer a word boundary within the last tenth of the window.
		for i := end; i > end-size/10 && i > start; i-- {
			if unicode.IsSpace(runes[i-1]) {
				cut = i
				break
			}
		}
		chunk := strings.TrimSpace(string(runes[start:cut]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		next := cut - overlap
		if next <= start {
			next = cut
		}
		start = next
	}
	return chunks
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func itoa(i int) string { return strconv.Itoa(i) }

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
