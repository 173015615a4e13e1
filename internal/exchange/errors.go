package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/adshao/go-binance/v2/common"
)

// ErrorKind 区分值得重试的错误和最终错误
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindRejected  ErrorKind = "rejected"
	KindDuplicate ErrorKind = "duplicate"
	KindNotFound  ErrorKind = "not-found"
)

// Error 是所有 Exchange 实现返回的已分类错误
type Error struct {
	Kind ErrorKind
	Code int64
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("exchange %s error (code %d): %s", e.Kind, e.Code, e.Msg)
	}
	return fmt.Sprintf("exchange %s error: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient 创建可重试的错误
func Transient(msg string, err error) *Error {
	return &Error{Kind: KindTransient, Msg: msg, Err: err}
}

// Rejected 创建不可重试的错误
func Rejected(code int64, msg string) *Error {
	return &Error{Kind: KindRejected, Code: code, Msg: msg}
}

func kindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTransient 判断 err 重试后是否可能成功。未分类的网络错误
// 和超时错误都算作瞬时错误。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if k := kindOf(err); k != "" {
		return k == KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func IsRejected(err error) bool  { return kindOf(err) == KindRejected }
func IsDuplicate(err error) bool { return kindOf(err) == KindDuplicate }
func IsNotFound(err error) bool  { return kindOf(err) == KindNotFound }

// noopCodes 是保证金模式、持仓模式和杠杆请求返回的
// "无需修改" 应答。
var noopCodes = map[int64]bool{
	-4046: true, // No need to change margin type
	-4059: true, // No need to change position side
}

var transientCodes = map[int64]bool{
	-1000: true, // unknown server error
	-1001: true, // disconnected
	-1003: true, // too many requests
	-1006: true, // unexpected response
	-1007: true, // timeout
	-1008: true, // server busy
	-1021: true, // timestamp outside recvWindow
	-1015: true, // too many new orders
}

// classify 把 go-binance 错误映射为 *Error。返回 nil 表示
// 调用应视为成功。
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch {
		case noopCodes[apiErr.Code]:
			return nil
		case transientCodes[apiErr.Code]:
			return &Error{Kind: KindTransient, Code: apiErr.Code, Msg: op + ": " + apiErr.Message, Err: err}
		case apiErr.Code == -4116:
			return &Error{Kind: KindDuplicate, Code: apiErr.Code, Msg: op + ": " + apiErr.Message, Err: err}
		case apiErr.Code == -2011 || apiErr.Code == -2013:
			return &Error{Kind: KindNotFound, Code: apiErr.Code, Msg: op + ": " + apiErr.Message, Err: err}
		default:
			return &Error{Kind: KindRejected, Code: apiErr.Code, Msg: op + ": " + apiErr.Message, Err: err}
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &Error{Kind: KindTransient, Msg: op + ": " + err.Error(), Err: err}
}
