package i18n

type Key string

const (
	// ===== Detection =====
	MsgDetected    Key = "msg.detected"
	MsgNotDetected Key = "msg.not_detected"
	MsgGranted     Key = "msg.granted"

	// ===== Denials =====
	ErrNotFound         Key = "NOT_FOUND"
	ErrNotDonated       Key = "NOT_DONATED"
	ErrIdentityMismatch Key = "IDENTITY_MISMATCH"
	ErrExpired          Key = "EXPIRED"
	ErrAlreadyActive    Key = "ALREADY_ACTIVE"
	ErrUnresolved       Key = "IDENTITY_UNRESOLVED"
	ErrInvalidParams    Key = "INVALID_REQUEST"
	ErrUnauthorized     Key = "UNAUTHORIZED"

	// ===== System =====
	ErrSensor           Key = "SENSOR_ERROR"
	ErrAdapterFailure   Key = "ADAPTER_FAILURE"
	ErrStoreUnavailable Key = "STORE_UNAVAILABLE"
	ErrInternal         Key = "INTERNAL"
)

type Lang string

const (
	ZH_CN Lang = "zh-CN"
	EN_US Lang = "en-US"
)

var catalogs = map[Lang]map[Key]string{
	ZH_CN: zhCN,
	EN_US: enUS,
}

// T 翻译函数
func T(lang Lang, key Key) string {
	if cat, ok := catalogs[lang]; ok {
		if v, ok := cat[key]; ok {
			return v
		}
	}
	if v, ok := enUS[key]; ok {
		return v
	}
	// fallback：key 本身（便于发现缺失翻译）
	return string(key)
}
