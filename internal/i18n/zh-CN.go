package i18n

var zhCN = map[Key]string{
	// ===== 检测 =====
	MsgDetected:    "已检测到瓶子，感谢您参与回收！",
	MsgNotDetected: "未检测到瓶子，请投入瓶子后重试。",
	MsgGranted:     "已开通上网权限。",

	// ===== 拒绝 =====
	ErrNotFound:         "会话不存在，请先投放瓶子。",
	ErrNotDonated:       "该会话尚未投放瓶子。",
	ErrIdentityMismatch: "该会话属于其他设备。",
	ErrExpired:          "会话已过期，请再次投放瓶子。",
	ErrAlreadyActive:    "该设备已在上网中。",
	ErrUnresolved:       "无法识别您的设备。",
	ErrInvalidParams:    "参数解析失败",
	ErrUnauthorized:     "用户名或密码错误",

	// ===== 系统 =====
	ErrSensor:           "瓶子传感器无响应，请重试。",
	ErrAdapterFailure:   "开通上网失败，请重试。",
	ErrStoreUnavailable: "服务暂时不可用，请重试。",
	ErrInternal:         "系统错误，请重试。",
}
