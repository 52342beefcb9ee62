package translate

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Baidu calls the Baidu fanyi general translation API.
type Baidu struct {
	endpoint string
	appID    string
	secret   string
	client   *http.Client
	salt     func() string
}

func NewBaidu(endpoint, appID, secret string, client *http.Client) *Baidu {
	if client == nil {
		client = http.DefaultClient
	}
	return &Baidu{
		endpoint: endpoint,
		appID:    appID,
		secret:   secret,
		client:   client,
		salt:     func() string { return strconv.FormatInt(time.Now().UnixNano(), 10) },
	}
}

func (b *Baidu) Name() string { return "baidu" }

type baiduResponse struct {
	ErrorCode   string `json:"error_code"`
	ErrorMsg    string `json:"error_msg"`
	TransResult []struct {
		Src string `json:"src"`
		Dst string `json:"dst"`
	} `json:"trans_result"`
}

func (b *Baidu) Translate(ctx context.Context, text, from, to string) (string, error) {
	if b.appID == "" || b.secret == "" {
		return "", errors.New("baidu credentials not configured")
	}
	salt := b.salt()
	sum := md5.Sum([]byte(b.appID + text + salt + b.secret))

	form := url.Values{}
	form.Set("q", text)
	form.Set("from", baiduLanguage(from))
	form.Set("to", baiduLanguage(to))
	form.Set("appid", b.appID)
	form.Set("salt", salt)
	form.Set("sign", hex.EncodeToString(sum[:]))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("baidu returned status %s", resp.Status)
	}

	var body baiduResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode baidu response: %w", err)
	}
	if body.ErrorCode != "" && body.ErrorCode != "52000" {
		return "", fmt.Errorf("baidu error %s: %s", body.ErrorCode, body.ErrorMsg)
	}
	parts := make([]string, 0, len(body.TransResult))
	for _, r := range body.TransResult {
		parts = append(parts, r.Dst)
	}
	return strings.Join(parts, "\n"), nil
}

// baiduLanguage maps ISO 639-1 codes to the ones Baidu expects where they differ.
func baiduLanguage(lang string) string {
	switch lang {
	case "ja":
		return "jp"
	case "ko":
		return "kor"
	case "fr":
		return "fra"
	case "es":
		return "spa"
	case "ar":
		return "ara"
	case "vi":
		return "vie"
	case "", "auto":
		return "auto"
	}
	return lang
}
