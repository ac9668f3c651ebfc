package validation

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

type Config struct {
	MaxQuestionLength   int
	MaxAnswerLength     int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// rule validates one JSON body field on requests matching a route.
type rule struct {
	method string
	suffix string
	field  string
	max    int
}

// Middleware rejects unsupported content types and validates the text
// fields of question and answer submissions. Accepted text is trimmed and
// stored under the "sanitized_<field>" local.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQuestionLength == 0 {
		cfg.MaxQuestionLength = 4000
	}
	if cfg.MaxAnswerLength == 0 {
		cfg.MaxAnswerLength = 8000
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	rules := []rule{
		{method: fiber.MethodPost, suffix: "/questions", field: "question", max: cfg.MaxQuestionLength},
		{method: fiber.MethodPut, suffix: "/answer", field: "answer", max: cfg.MaxAnswerLength},
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut {
			contentType := c.Get(fiber.HeaderContentType)
			if contentType != "" && !allowedType(contentType, cfg.AllowedContentTypes) {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "Unsupported content type",
				})
			}
		}

		for _, r := range rules {
			if c.Method() != r.method || !strings.HasSuffix(c.Path(), r.suffix) {
				continue
			}

			var body map[string]interface{}
			if err := c.BodyParser(&body); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}

			text, ok := body[r.field].(string)
			text = sanitizeString(text)
			if !ok || text == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": r.field + " is required and must be a string",
				})
			}
			if utf8.RuneCountInString(text) > r.max {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": r.field + " exceeds maximum length",
				})
			}
			if xssPattern.MatchString(text) {
				cfg.Logger.Warn("Potential XSS attempt",
					zap.String("ip", c.IP()),
					zap.String("path", c.Path()),
				)
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid " + r.field + " content",
				})
			}
			c.Locals("sanitized_"+r.field, text)
		}

		return c.Next()
	}
}

func allowedType(contentType string, allowed []string) bool {
	for _, t := range allowed {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}

func sanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}
