package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDBPath        string
	ServerListening    string
	GRPCListening      string
	ShuttingDown       string
	DemoMode           string
	ConfigLoadFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	KeyManagerFailed   string
	APIServerError     string
	InstanceID         string

	// Strategy / scheduler
	StrategiesSeeded   string
	StrategySeedFailed string
	SchedulerStarted   string
	SchedulerDisabled  string

	// Execution skip reasons, shown to operators
	ReasonConnectionNotTested string
	ReasonConnectionDisabled  string
	ReasonFuturesNotEnabled   string
	ReasonMarketNotSupported  string
	ReasonKillSwitchOn        string
	ReasonDemoMode            string
	ReasonInvalidQuantity     string
	ReasonInsufficientBalance string
}

var (
	mu          sync.RWMutex
	currentLang Language = LangEN
	messages    *Messages
)

var messagesEN = Messages{
	Starting:           "Execution core starting",
	ConfigLoaded:       "Configuration loaded",
	UsingDBPath:        "Using database",
	ServerListening:    "HTTP server listening on",
	GRPCListening:      "gRPC health server listening on",
	ShuttingDown:       "Shutting down",
	DemoMode:           "DEMO_MODE is on: orders are audited as skipped and never sent",
	ConfigLoadFailed:   "Failed to load configuration",
	DBInitFailed:       "Failed to open database",
	DBMigrationsFailed: "Failed to apply migrations",
	KeyManagerFailed:   "Failed to load encryption keys",
	APIServerError:     "API server error",
	InstanceID:         "Instance id",

	StrategiesSeeded:   "Strategy runs seeded from file",
	StrategySeedFailed: "Failed to seed strategy runs",
	SchedulerStarted:   "Strategy scheduler started",
	SchedulerDisabled:  "Internal scheduler disabled; waiting for run-due calls",

	ReasonConnectionNotTested: "Connection has not passed a test yet",
	ReasonConnectionDisabled:  "Connection is disabled",
	ReasonFuturesNotEnabled:   "Futures trading is not enabled for this connection",
	ReasonMarketNotSupported:  "Only futures connections can trade",
	ReasonKillSwitchOn:        "Kill switch is on",
	ReasonDemoMode:            "Demo mode: order not sent",
	ReasonInvalidQuantity:     "Order quantity must be greater than zero",
	ReasonInsufficientBalance: "Available balance does not cover the required margin",
}

var messagesZH = Messages{
	Starting:           "執行核心啟動中",
	ConfigLoaded:       "設定已載入",
	UsingDBPath:        "使用資料庫",
	ServerListening:    "HTTP 服務監聽於",
	GRPCListening:      "gRPC 健康檢查服務監聽於",
	ShuttingDown:       "正在關閉",
	DemoMode:           "DEMO_MODE 已開啟：訂單僅記錄為略過，不會送出",
	ConfigLoadFailed:   "載入設定失敗",
	DBInitFailed:       "開啟資料庫失敗",
	DBMigrationsFailed: "套用資料庫遷移失敗",
	KeyManagerFailed:   "載入加密金鑰失敗",
	APIServerError:     "API 服務錯誤",
	InstanceID:         "實例識別碼",

	StrategiesSeeded:   "已從檔案匯入策略",
	StrategySeedFailed: "匯入策略失敗",
	SchedulerStarted:   "策略排程已啟動",
	SchedulerDisabled:  "內部排程已停用，等待 run-due 呼叫",

	ReasonConnectionNotTested: "連線尚未通過測試",
	ReasonConnectionDisabled:  "連線已停用",
	ReasonFuturesNotEnabled:   "此連線未啟用合約交易",
	ReasonMarketNotSupported:  "僅支援合約連線交易",
	ReasonKillSwitchOn:        "緊急停止開關已開啟",
	ReasonDemoMode:            "示範模式：訂單未送出",
	ReasonInvalidQuantity:     "下單數量必須大於零",
	ReasonInsufficientBalance: "可用餘額不足以支付所需保證金",
}

// reasonFields maps execution reason codes to Messages fields.
var reasonFields = map[string]string{
	"CONNECTION_NOT_TESTED": "ReasonConnectionNotTested",
	"CONNECTION_DISABLED":   "ReasonConnectionDisabled",
	"FUTURES_NOT_ENABLED":   "ReasonFuturesNotEnabled",
	"MARKET_NOT_SUPPORTED":  "ReasonMarketNotSupported",
	"KILL_SWITCH_ON":        "ReasonKillSwitchOn",
	"DEMO_MODE":             "ReasonDemoMode",
	"INVALID_QUANTITY":      "ReasonInvalidQuantity",
	"INSUFFICIENT_BALANCE":  "ReasonInsufficientBalance",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		currentLang = LangEN
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}

// Reason returns the localized text for an execution reason code, or the code itself.
func Reason(code string) string {
	field, ok := reasonFields[code]
	if !ok {
		return code
	}
	return Get(field)
}
