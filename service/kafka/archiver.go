package kafka

import (
	"sync"

	"github.com/Shopify/sarama"
	"github.com/goccy/go-json"

	"github.com/bapcai02/NovaChat-sub000/logger"
	"github.com/bapcai02/NovaChat-sub000/module/chat/event"
	errs "github.com/bapcai02/NovaChat-sub000/tools/errs"
)

// Archiver 把已定序事件异步写进 kafka topic，供搜索索引、审计等
// 下游消费。Key 用 channelID，同频道事件落同一分区，分区内 seq 有序。
type Archiver struct {
	producer sarama.AsyncProducer
	topic    string

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewArchiver(brokers []string, topic string) (*Archiver, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka producer", "brokers", brokers)
	}

	a := &Archiver{producer: producer, topic: topic}
	a.wg.Add(1)
	go a.drainErrors()
	return a, nil
}

func (a *Archiver) drainErrors() {
	defer a.wg.Done()
	for perr := range a.producer.Errors() {
		logger.Errorf("[kafka] archive failed topic=%s err=%v", a.topic, perr.Err)
	}
}

// Archive 非阻塞投递，失败只记日志。归档是旁路，不反压追加链路。
func (a *Archiver) Archive(ev *event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("[kafka] marshal event failed channel=%s seq=%d err=%v", ev.ChannelID, ev.Seq, err)
		return
	}
	a.producer.Input() <- &sarama.ProducerMessage{
		Topic: a.topic,
		Key:   sarama.StringEncoder(ev.ChannelID),
		Value: sarama.ByteEncoder(data),
	}
}

func (a *Archiver) Close() {
	a.stopOnce.Do(func() {
		a.producer.AsyncClose()
	})
	a.wg.Wait()
}
