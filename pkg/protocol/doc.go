// Package protocol предоставляет клиент протокола сервиса запросов:
//   - Сетевые запросы и websocket соединения выполняются во внешнем процессе
//   - Каждая операция идентифицируется OperationID
//   - Ход операции приходит асинхронными уведомлениями
//   - Ответы на синхронные команды коррелируются по Seq
//
// Client держит одно соединение Conn с сервисом и реестр активных
// обработчиков. Уведомления для уже незарегистрированных id логируются и
// отбрасываются.
//
// # Запросы
//
//	client := protocol.NewClient(protocol.DefaultClientConfig("unix:///run/requestserver.sock"))
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	req, err := client.StartRequest(ctx, "GET", u, nil, nil, protocol.ProxyData{},
//	    protocol.RequestObserver{
//	        OnHeaders: func(h http.Header, status int) { ... },
//	    })
//	body, err := req.WaitBody(ctx)
//	io.Copy(dst, body)
//	result, err := req.Wait(ctx)
//
// # WebSocket
//
//	ws, err := client.WebSocketConnect(ctx, u, "", nil, nil, nil,
//	    protocol.WebSocketObserver{
//	        OnOpen:    func() { ... },
//	        OnMessage: func(m protocol.Message) { ... },
//	    })
//
// # Сервер
//
//	endpoint := protocol.NewEndpoint(protocol.DefaultEndpointConfig())
//	endpoint.Handle(protocol.MethodStartRequest, func(ctx context.Context, cmd *protocol.Command) (any, error) {
//	    peer := cmd.Peer()
//	    ...
//	    return nil, peer.NotifyStream(cmd.ID, protocol.MethodRequestStarted, nil, body)
//	})
//	http.Handle("/requests", endpoint)
//
// # Транспорты
//
// Dial выбирает транспорт по схеме URL:
//
//	ws://, wss://   gorilla websocket, один кадр - одно бинарное сообщение,
//	                поток ответа передаётся кадрами stream_data
//	unix://path     unixpacket сокет, один кадр - один пакет,
//	                поток ответа передаётся файловым дескриптором
//
// Pipe возвращает пару соединений в памяти для сервиса в том же процессе и
// для тестов.
//
// # Формат кадра
//
// Заголовок фиксированной длины 27 байт, за ним method, error и JSON payload:
//
//	version(1) type(1) flags(1) seq(8) id(4) stream(4) method_len(2) error_len(2) payload_len(4)
//
// Кадр, начинающийся с '{', разбирается как JSON:
//
//	{"type": 1, "seq": 7, "id": 3, "method": "stop_request"}
//
// # Наблюдатели
//
// Наблюдатели вызываются в одной горутине в порядке уведомлений. Из них можно
// запускать новые операции, останавливать запросы и отвечать на запросы
// сертификата.
//
// Уведомления обрабатываются независимо от вызывающей горутины, поэтому
// наблюдатели, переданные в StartRequest и WebSocketConnect, видят всё, а
// установленные позже через On* - только последующие уведомления.
package protocol
