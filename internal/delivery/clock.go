package delivery

import "time"

func nowRealS() int64 { return time.Now().Unix() }
