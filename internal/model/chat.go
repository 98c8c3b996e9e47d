package model

// 消息角色
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage 会话中的一条消息，客户端侧按提交顺序追加
type ChatMessage struct {
	ID      string `json:"id,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PromptRequest POST /prompt 请求体
type PromptRequest struct {
	Messages []ChatMessage `json:"messages"`
}
