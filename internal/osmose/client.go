// 包 osmose：Osmose QA REST API 客户端，按 offset 分页拉取开放问题
package osmose

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"osmose-patches/internal/logger"
	"osmose-patches/internal/metrics"
	"osmose-patches/internal/utils"
)

// Config：Osmose 拉取参数
type Config struct {
	BaseURL  string
	WebBase  string
	Country  string
	Item     int
	Class    int
	PageSize int
	Timeout  time.Duration
	Delay    time.Duration
}

// ConfigFromEnv：OSMOSE_* 环境变量，缺省值对应哈萨克斯坦 7040/2（林地缺少 leaf_type）
func ConfigFromEnv() Config {
	return Config{
		BaseURL:  utils.EnvString("OSMOSE_API_BASE", "https://osmose.openstreetmap.fr/api/0.3"),
		WebBase:  utils.EnvString("OSMOSE_WEB_BASE", "https://osmose.openstreetmap.fr/en/error/"),
		Country:  utils.EnvString("OSMOSE_COUNTRY", "kazakhstan"),
		Item:     utils.EnvInt("OSMOSE_ITEM", 7040),
		Class:    utils.EnvInt("OSMOSE_CLASS", 2),
		PageSize: utils.EnvInt("OSMOSE_FETCH_LIMIT", 500),
		Timeout:  utils.EnvDuration("OSMOSE_REQUEST_TIMEOUT_S", 30, time.Second),
		Delay:    utils.EnvDuration("OSMOSE_REQUEST_DELAY_MS", 500, time.Millisecond),
	}
}

// Issue：一条 Osmose 问题；坐标缺失时 Lat/Lon 为 nil；Title/Subtitle 兼容纯文本与多语言对象两种返回
type Issue struct {
	ID       flexString `json:"id"`
	Lat      *float64   `json:"lat"`
	Lon      *float64   `json:"lon"`
	Item     int        `json:"item"`
	Class    int        `json:"class"`
	Title    text       `json:"title"`
	Subtitle text       `json:"subtitle"`
	Username string     `json:"username"`
	Date     string     `json:"date"`
	Update   string     `json:"update"`
}

type issuesResponse struct {
	Issues []Issue `json:"issues"`
}

// Timestamp：优先 date，其次 update；无法解析时返回 nil
func (i Issue) Timestamp() *time.Time {
	for _, s := range []string{i.Date, i.Update} {
		if s == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return &t
			}
		}
	}
	return nil
}

// flexString：接受 JSON 字符串或数字
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// text：纯文本或 {"auto": "...", "en": "..."} 形式的多语言文本
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = text(s)
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for _, k := range []string{"auto", "en"} {
		if s, ok := m[k]; ok {
			*t = text(s)
			return nil
		}
	}
	*t = ""
	return nil
}

// Client：Osmose API 客户端
type Client struct {
	cfg   Config
	http  *http.Client
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient：hc 为空时使用 cfg.Timeout 的默认客户端
func NewClient(cfg Config, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	return &Client{cfg: cfg, http: hc, sleep: sleepCtx}
}

func (c *Client) Config() Config { return c.cfg }

// IssueURL：问题在 Osmose 网站上的链接
func (c *Client) IssueURL(id string) string { return c.cfg.WebBase + id }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// 文档注释：分页拉取开放问题
// 参数：limit<=0 表示不限制总数。
// 约束：空页或短页结束；达到 limit 截断；页间按 Delay 休眠；
// 中途失败时返回已拉取的问题与错误，由调用方决定是否继续使用部分结果。
func (c *Client) FetchIssues(ctx context.Context, limit int) ([]Issue, error) {
	l := logger.L()
	l.Info("osmose_fetch_start", "country", c.cfg.Country, "item", c.cfg.Item, "class", c.cfg.Class, "limit", limit)
	var out []Issue
	for offset := 0; ; offset += c.cfg.PageSize {
		page, err := c.fetchPage(ctx, offset)
		if err != nil {
			return out, fmt.Errorf("osmose page offset %d: %w", offset, err)
		}
		if len(page) == 0 {
			break
		}
		out = append(out, page...)
		l.Info("osmose_fetch_page", "offset", offset, "count", len(page), "total", len(out))
		if limit > 0 && len(out) >= limit {
			out = out[:limit]
			break
		}
		if len(page) < c.cfg.PageSize {
			break
		}
		if err := c.sleep(ctx, c.cfg.Delay); err != nil {
			return out, err
		}
	}
	l.Info("osmose_fetch_done", "total", len(out))
	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, offset int) ([]Issue, error) {
	q := url.Values{}
	q.Set("country", c.cfg.Country)
	q.Set("item", strconv.Itoa(c.cfg.Item))
	q.Set("class", strconv.Itoa(c.cfg.Class))
	q.Set("status", "open")
	q.Set("limit", strconv.Itoa(c.cfg.PageSize))
	q.Set("offset", strconv.Itoa(offset))
	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/issues?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	t0 := time.Now()
	metrics.OsmoseRequestsTotal.Inc()
	logger.L().Debug("osmose_req", "offset", offset)
	resp, err := c.http.Do(req)
	if err != nil {
		logger.L().Error("osmose_http_error", "err", err)
		metrics.OsmoseFailTotal.Inc()
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.OsmoseFailTotal.Inc()
		logger.L().Error("osmose_bad_status", "status", resp.StatusCode, "offset", offset)
		return nil, errors.New("osmose: bad status " + strconv.Itoa(resp.StatusCode))
	}
	var r issuesResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		logger.L().Error("osmose_decode_error", "err", err)
		metrics.OsmoseFailTotal.Inc()
		return nil, err
	}
	dur := time.Since(t0).Milliseconds()
	metrics.OsmoseDurationMs.Observe(float64(dur))
	metrics.OsmoseIssuesFetched.Add(float64(len(r.Issues)))
	logger.L().Debug("osmose_resp", "offset", offset, "count", len(r.Issues), "duration_ms", dur)
	return r.Issues, nil
}
