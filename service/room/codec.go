package room

import jsoniter "github.com/json-iterator/go"

var codec = jsoniter.ConfigCompatibleWithStandardLibrary
