// internal/observer/interfaces.go
package observer

// Observer 观察者接口，每收到一个缓冲区就被通知一次
type Observer interface {
	Advance()
}

// Observable 被观察者（主题）接口
type Observable interface {
	AddObserver(o Observer)
}

// Nop 不做任何事的观察者，进度显示关闭时使用
var Nop Observer = nopObserver{}

type nopObserver struct{}

func (nopObserver) Advance() {}

// multi 把一次通知分发给多个观察者
type multi []Observer

func (m multi) Advance() {
	for _, o := range m {
		o.Advance()
	}
}

// Multi 组合多个观察者，nil 会被忽略
func Multi(observers ...Observer) Observer {
	list := make(multi, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	switch len(list) {
	case 0:
		return Nop
	case 1:
		return list[0]
	}
	return list
}
