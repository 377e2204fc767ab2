package dispatch

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/janhq/cortex/pkg/cortexerr"
	"github.com/janhq/cortex/pkg/models"
)

const imagePlaceholder = "[img-%d]"

var imageClient = &http.Client{Timeout: 30 * time.Second}

// formatted is the result of prompt assembly: the flattened text plus the
// base64 image payloads referenced by [img-N] placeholders.
type formatted struct {
	prompt string
	images []string
}

// formatPrompt flattens the message list into the engine's prompt text.
// A leading system message wins over the configured pre-prompt. When the
// variant is multimodal, image parts become placeholders and base64
// payloads; otherwise they are dropped.
func formatPrompt(messages []models.ChatMessage, prePrompt string, multimodal bool) (formatted, error) {
	var out formatted
	var sb strings.Builder

	system := prePrompt
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			if s, ok := m.Content.(string); ok {
				system = s
			}
			break
		}
	}
	if system != "" {
		sb.WriteString(system)
		sb.WriteString("\n")
	}

	for _, m := range messages {
		if m.Role == models.RoleSystem {
			continue
		}
		text, imgs, err := flattenContent(m.Content, multimodal, len(out.images))
		if err != nil {
			return formatted{}, err
		}
		out.images = append(out.images, imgs...)
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	sb.WriteString(models.RoleAssistant)
	sb.WriteString(":")

	out.prompt = sb.String()
	return out, nil
}

// flattenContent renders one message's content. Image parts are numbered
// from imgBase so placeholders stay sequential across messages.
func flattenContent(content any, multimodal bool, imgBase int) (string, []string, error) {
	switch c := content.(type) {
	case string:
		return c, nil, nil
	case []models.ContentPart:
		return flattenParts(c, multimodal, imgBase)
	case []any:
		parts := make([]models.ContentPart, 0, len(c))
		for _, raw := range c {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			part := models.ContentPart{}
			part.Type, _ = m["type"].(string)
			part.Text, _ = m["text"].(string)
			if iu, ok := m["image_url"].(map[string]any); ok {
				url, _ := iu["url"].(string)
				part.ImageURL = &models.ImageURL{URL: url}
			}
			parts = append(parts, part)
		}
		return flattenParts(parts, multimodal, imgBase)
	case nil:
		return "", nil, nil
	default:
		return "", nil, cortexerr.New(cortexerr.KindBadRequest, "unsupported message content type %T", content)
	}
}

func flattenParts(parts []models.ContentPart, multimodal bool, imgBase int) (string, []string, error) {
	var sb strings.Builder
	var images []string
	for _, p := range parts {
		switch p.Type {
		case "text":
			sb.WriteString(p.Text)
		case "image_url":
			if !multimodal || p.ImageURL == nil {
				continue
			}
			b64, err := resolveImage(p.ImageURL.URL)
			if err != nil {
				return "", nil, err
			}
			images = append(images, b64)
			fmt.Fprintf(&sb, imagePlaceholder, imgBase+len(images))
		}
	}
	return sb.String(), images, nil
}

// resolveImage turns a data URL, remote URL, or local path into base64.
func resolveImage(url string) (string, error) {
	switch {
	case strings.HasPrefix(url, "data:"):
		_, b64, ok := strings.Cut(url, ",")
		if !ok {
			return "", cortexerr.New(cortexerr.KindBadRequest, "malformed data URL")
		}
		return b64, nil
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		resp, err := imageClient.Get(url)
		if err != nil {
			return "", cortexerr.Wrap(cortexerr.KindBadRequest, err, "fetch image %s", url)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", cortexerr.New(cortexerr.KindBadRequest, "fetch image %s: status %d", url, resp.StatusCode)
		}
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return "", cortexerr.Wrap(cortexerr.KindBadRequest, err, "read image %s", url)
		}
		return base64.StdEncoding.EncodeToString(raw), nil
	default:
		raw, err := os.ReadFile(url)
		if err != nil {
			log.Debug().Str("path", url).Err(err).Msg("Image file not readable")
			return "", cortexerr.Wrap(cortexerr.KindBadRequest, err, "read image file %s", url)
		}
		return base64.StdEncoding.EncodeToString(raw), nil
	}
}

// estimateTokens is the whitespace fallback used when the engine does not
// report prompt token counts.
func estimateTokens(s string) int {
	n := len(strings.Fields(s))
	if n == 0 && s != "" {
		return 1
	}
	return n
}
