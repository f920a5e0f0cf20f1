package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/hylin/gemini-chat-panel/internal/models"
)

const defaultEndpoint = "https://generativelanguage.googleapis.com/v1beta"

// dataURIPattern splits a self-describing image payload into its MIME type and base64 data.
var dataURIPattern = regexp.MustCompile(`^data:([a-zA-Z0-9]+/[a-zA-Z0-9-.+]+);base64,(.+)$`)

// Client provides access to the generative-language API for multimodal chat completions. It
// implements the conversation controller's generator contract and handles both directions of the
// wire format: building the ordered turn list from history and current input, and mapping the
// candidate parts of a reply back into ordered typed message parts.
type Client struct {
	endpoint string

	httpClient *http.Client
	logger     *slog.Logger
}

// Reply is the assembled result of one generateContent call. Parts preserves the order in which
// the model interleaved text and images; Text and Images are the derived scalar views.
// ProcessingTime is the elapsed wall-clock seconds of the call, formatted to one decimal place.
type Reply struct {
	Parts          []models.Part
	Text           string
	Images         []string
	ProcessingTime string
}

// NewClient creates a Client against the public generative-language endpoint.
func NewClient(logger *slog.Logger) Client {
	return NewClientWithEndpoint(defaultEndpoint, logger)
}

// NewClientWithEndpoint creates a Client against a custom endpoint. It is intended for tests and
// self-hosted proxies; the wire format is unchanged.
func NewClientWithEndpoint(endpoint string, logger *slog.Logger) Client {
	return Client{
		endpoint:   endpoint,
		httpClient: &http.Client{},
		logger:     logger.With(slog.String("module", "gemini")),
	}
}

// GenerateContent sends the trailing conversation window plus the current user input to the model
// and returns the assembled reply. The model name and API key are supplied per call so settings
// changes take effect without rebuilding the client. A response without candidates is not an
// error; it yields a Reply with empty parts and the measured processing time.
func (c Client) GenerateContent(
	ctx context.Context,
	apiKey, model, text string,
	images []string,
	history []models.Message,
) (Reply, error) {
	if apiKey == "" {
		return Reply{}, fmt.Errorf("api key is required")
	}

	reqBody := generateRequest{
		Contents: BuildContents(text, images, history),
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"Text", "Image"},
		},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return Reply{}, fmt.Errorf("error marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.endpoint, model, apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return Reply{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		var e apiError
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error.Message != "" {
			return Reply{}, fmt.Errorf("api request failed: %s", e.Error.Message)
		}
		return Reply{}, fmt.Errorf("api request failed: %s", resp.Status)
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return Reply{}, fmt.Errorf("error decoding response: %w", err)
	}

	reply := assembleReply(genResp)
	reply.ProcessingTime = fmt.Sprintf("%.1f", time.Since(start).Seconds())

	c.logger.Debug("Generate content completed",
		slog.String("model", model),
		slog.Int("turns", len(reqBody.Contents)),
		slog.Int("replyParts", len(reply.Parts)),
		slog.String("processingTime", reply.ProcessingTime))

	return reply, nil
}

// BuildContents constructs the ordered turn list for a generateContent request. One turn is
// emitted per history message, mapping the assistant role to "model"; each turn carries one text
// part when the message has non-empty text, followed by one inline-data part per image. Images
// that do not match the data:<mime>;base64,<payload> pattern are silently dropped, and turns
// that end up with no parts are omitted. A final user turn is appended for the current input
// under the same rule, omitted entirely when both text and images are empty.
func BuildContents(text string, images []string, history []models.Message) []Content {
	var contents []Content

	for _, msg := range history {
		role := "model"
		if msg.Role == models.RoleUser {
			role = "user"
		}
		parts := buildParts(msg.Content.Text, msg.Content.Images)
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, Content{Role: role, Parts: parts})
	}

	if parts := buildParts(text, images); len(parts) > 0 {
		contents = append(contents, Content{Role: "user", Parts: parts})
	}

	return contents
}

func buildParts(text string, images []string) []Part {
	var parts []Part
	if text != "" {
		parts = append(parts, Part{Text: text})
	}
	for _, img := range images {
		matches := dataURIPattern.FindStringSubmatch(img)
		if matches == nil {
			continue
		}
		parts = append(parts, Part{InlineData: &InlineData{
			MimeType: matches[1],
			Data:     matches[2],
		}})
	}
	return parts
}

// assembleReply maps the first candidate's parts, in order, into typed message parts, converting
// inline image data back into the data-URI string form and deriving the scalar views.
func assembleReply(resp generateResponse) Reply {
	var reply Reply
	if len(resp.Candidates) == 0 {
		return reply
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		switch {
		case part.Text != "":
			reply.Parts = append(reply.Parts, models.Part{
				Type:    models.PartTypeText,
				Content: part.Text,
			})
			reply.Text += part.Text
		case part.InlineData != nil:
			uri := fmt.Sprintf("data:%s;base64,%s", part.InlineData.MimeType, part.InlineData.Data)
			reply.Parts = append(reply.Parts, models.Part{
				Type:    models.PartTypeImage,
				Content: uri,
			})
			reply.Images = append(reply.Images, uri)
		}
	}
	return reply
}
