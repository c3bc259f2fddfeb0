package credential

import (
	"fmt"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
)

// Vault 使用进程内随机密钥对缓存的密码做对称混淆，
// 密钥不落盘，进程重启后旧令牌全部失效
type Vault struct {
	once sync.Once
	key  fernet.Key
	err  error
}

// Sealed 混淆后的密码令牌
type Sealed string

// NewVault 创建新的凭据保管器
func NewVault() *Vault {
	return &Vault{}
}

func (v *Vault) init() {
	v.once.Do(func() {
		v.err = v.key.Generate()
	})
}

// Seal 混淆明文密码
func (v *Vault) Seal(plain string) (Sealed, error) {
	v.init()
	if v.err != nil {
		return "", fmt.Errorf("generate vault key: %w", v.err)
	}
	tok, err := fernet.EncryptAndSign([]byte(plain), &v.key)
	if err != nil {
		return "", fmt.Errorf("seal credential: %w", err)
	}
	return Sealed(tok), nil
}

// Reveal 还原明文密码
func (v *Vault) Reveal(s Sealed) (string, error) {
	if s == "" {
		return "", nil
	}
	v.init()
	if v.err != nil {
		return "", fmt.Errorf("generate vault key: %w", v.err)
	}
	msg := fernet.VerifyAndDecrypt([]byte(s), 0*time.Second, []*fernet.Key{&v.key})
	if msg == nil {
		return "", fmt.Errorf("reveal credential: invalid token")
	}
	return string(msg), nil
}

// Mask 日志中展示密码：不输出任何明文字符
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "******"
}
