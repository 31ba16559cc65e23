package scp

// Item identifies a file or directory moving through a session.
type Item struct {
	Path  string // slash-separated, relative to the transfer root on the wire
	Local string // path inside the local FileSystem
	Size  int64
	Dir   bool
}

// Observer receives lifecycle and progress events of a session. Calls are
// made synchronously from the goroutine driving the session.
type Observer interface {
	TransferStart(item Item)
	Progress(item Item, done int64)
	ItemComplete(item Item)
	DirectoryEnter(item Item)
	Error(err error)
}

// NopObserver ignores all events. Embed it to implement a subset of Observer.
type NopObserver struct{}

func (NopObserver) TransferStart(Item)   {}
func (NopObserver) Progress(Item, int64) {}
func (NopObserver) ItemComplete(Item)    {}
func (NopObserver) DirectoryEnter(Item)  {}
func (NopObserver) Error(error)          {}

// Observers fans events out to every member in order.
type Observers []Observer

func (o Observers) TransferStart(item Item) {
	for _, x := range o {
		x.TransferStart(item)
	}
}

func (o Observers) Progress(item Item, done int64) {
	for _, x := range o {
		x.Progress(item, done)
	}
}

func (o Observers) ItemComplete(item Item) {
	for _, x := range o {
		x.ItemComplete(item)
	}
}

func (o Observers) DirectoryEnter(item Item) {
	for _, x := range o {
		x.DirectoryEnter(item)
	}
}

func (o Observers) Error(err error) {
	for _, x := range o {
		x.Error(err)
	}
}
